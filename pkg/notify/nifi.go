// Package notify tells the flow-orchestration layer that new ODS data is ready.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Processor status values returned when no run status could be read
const (
	StatusInvalidID = "INVALID_ID"
	StatusUnknown   = "UNKNOWN"
	StatusError     = "ERROR"
	StatusException = "EXCEPTION"
)

const (
	processorsEndpoint = "/processors"
	triggerEndpoint    = "/run"
)

// ErrEmptyProcessorID is returned when a trigger has no processor to address
var ErrEmptyProcessorID = errors.New("processor id is empty")

// NiFiConfig configures the NiFi REST client
type NiFiConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Async          bool          `yaml:"async" mapstructure:"async"`
	// DomainProcessors maps a business domain onto the processor triggered for it
	DomainProcessors map[string]string `yaml:"domain_processors" mapstructure:"domain_processors"`
}

// DefaultNiFiConfig holds the defaults used for unset fields
var DefaultNiFiConfig = NiFiConfig{
	BaseURL:        "http://localhost:8080/nifi-api",
	ConnectTimeout: 3 * time.Second,
	ReadTimeout:    5 * time.Second,
	Enabled:        true,
	Async:          true,
}

type triggerRequest struct {
	ProcessorID string      `json:"processorId"`
	Data        interface{} `json:"data"`
	Timestamp   int64       `json:"timestamp"`
}

// NiFiClient calls the NiFi processor endpoints
type NiFiClient struct {
	client  *resty.Client
	baseURL string
	enabled bool
	logger  utils.Logger
}

func NewNiFiClient(cfg NiFiConfig) *NiFiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNiFiConfig.BaseURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultNiFiConfig.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultNiFiConfig.ReadTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	logger := utils.NewComponentLogger("nifi")
	client := resty.New().
		SetTransport(transport).
		SetTimeout(cfg.ConnectTimeout+cfg.ReadTimeout).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			logger.Debug().Str("method", r.Method).Str("url", r.URL).Msg("NiFi API request")
			return nil
		})

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Dur("connect_timeout", cfg.ConnectTimeout).
		Dur("read_timeout", cfg.ReadTimeout).
		Msg("NiFi client configured")

	return &NiFiClient{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		enabled: cfg.Enabled,
		logger:  logger,
	}
}

// TriggerProcessor posts data to the processor's run endpoint. A disabled client succeeds without a call.
func (c *NiFiClient) TriggerProcessor(ctx context.Context, processorID string, data interface{}) error {
	if !c.enabled {
		c.logger.Debug().Str("processor_id", processorID).Msg("NiFi notification disabled, skipping trigger")
		return nil
	}
	if strings.TrimSpace(processorID) == "" {
		return ErrEmptyProcessorID
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(triggerRequest{
			ProcessorID: processorID,
			Data:        data,
			Timestamp:   time.Now().UnixMilli(),
		}).
		Post(c.baseURL + processorsEndpoint + "/" + processorID + triggerEndpoint)
	if err != nil {
		return fmt.Errorf("trigger processor %s: %w", processorID, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("trigger processor %s: status %d: %s", processorID, resp.StatusCode(), resp.String())
	}
	c.logger.Debug().Str("processor_id", processorID).Msg("Triggered NiFi processor")
	return nil
}

type processorEntity struct {
	Status *struct {
		RunStatus string `json:"runStatus"`
	} `json:"status"`
}

// ProcessorStatus returns the processor's run status, or one of the Status* values
func (c *NiFiClient) ProcessorStatus(ctx context.Context, processorID string) string {
	if strings.TrimSpace(processorID) == "" {
		return StatusInvalidID
	}

	var entity processorEntity
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&entity).
		Get(c.baseURL + processorsEndpoint + "/" + processorID)
	if err != nil {
		c.logger.Error().Err(err).Str("processor_id", processorID).Msg("Failed to check NiFi processor status")
		return StatusException
	}
	if !resp.IsSuccess() {
		c.logger.Warn().Str("processor_id", processorID).Int("status", resp.StatusCode()).Msg("NiFi processor status request failed")
		return StatusError
	}
	if entity.Status == nil || entity.Status.RunStatus == "" {
		return StatusUnknown
	}
	return entity.Status.RunStatus
}
