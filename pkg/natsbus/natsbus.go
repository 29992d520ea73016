// Package natsbus wraps the NATS JetStream connection shared by the NATS source, notifier and mirror sink.
package natsbus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

// StateBucket is the key-value bucket holding consumer state
const StateBucket = "pg_ingest_state"

// KeyHeader carries the comma-separated key columns of a published change event
const KeyHeader = "Pg-Ingest-Key"

// State is the consumer state saved per group
type State struct {
	Position         string            `json:"position"`
	LastProcessedSeq map[string]uint64 `json:"last_processed_seq"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NATSClient publishes to and consumes from one JetStream stream and keeps per-group state in a KV bucket
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue
	stream string
	group  string
	logger utils.Logger
}

// NewNATSClient connects and makes sure the stream and the state bucket exist. The stream captures
// every subject under subjectPrefix.
func NewNATSClient(url, stream, group string, subjects ...string) (*NATSClient, error) {
	logger := utils.NewComponentLogger("natsbus")

	conn, err := nats.Connect(url,
		nats.Name("pg_ingest-"+group),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &NATSClient{conn: conn, js: js, stream: stream, group: group, logger: logger}

	if stream != "" {
		if len(subjects) == 0 {
			subjects = []string{stream + ".>"}
		}
		if err := client.ensureStream(subjects); err != nil {
			conn.Close()
			return nil, err
		}
	}

	kv, err := js.KeyValue(StateBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: StateBucket, History: 1})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open state bucket: %w", err)
	}
	client.kv = kv

	return client, nil
}

func (nc *NATSClient) ensureStream(subjects []string) error {
	_, err := nc.js.StreamInfo(nc.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", nc.stream, err)
	}
	_, err = nc.js.AddStream(&nats.StreamConfig{
		Name:      nc.stream,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", nc.stream, err)
	}
	nc.logger.Info().Str("stream", nc.stream).Strs("subjects", subjects).Msg("Created stream")
	return nil
}

// PublishMessage publishes data and waits for the JetStream acknowledgement
func (nc *NATSClient) PublishMessage(subject string, data []byte) error {
	if _, err := nc.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishChange publishes an encoded change event with its key columns in KeyHeader
func (nc *NATSClient) PublishChange(subject string, data []byte, keyColumns []string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if len(keyColumns) > 0 {
		msg.Header.Set(KeyHeader, strings.Join(keyColumns, ","))
	}
	if _, err := nc.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (nc *NATSClient) stateKey() string {
	return strings.ReplaceAll(nc.group, " ", "_")
}

// SaveState stores the group's state
func (nc *NATSClient) SaveState(state State) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := nc.kv.Put(nc.stateKey(), data); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// GetState loads the group's state; a group without state gets an empty one
func (nc *NATSClient) GetState() (State, error) {
	entry, err := nc.kv.Get(nc.stateKey())
	if errors.Is(err, nats.ErrKeyNotFound) {
		return State{LastProcessedSeq: make(map[string]uint64)}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to get state: %w", err)
	}
	var state State
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if state.LastProcessedSeq == nil {
		state.LastProcessedSeq = make(map[string]uint64)
	}
	return state, nil
}

// JetStream returns the JetStream context
func (nc *NATSClient) JetStream() nats.JetStreamContext {
	return nc.js
}

// Stream returns the stream name
func (nc *NATSClient) Stream() string {
	return nc.stream
}

// Close drains the connection; closing twice or without a connection is a no-op
func (nc *NATSClient) Close() error {
	if nc == nil || nc.conn == nil || nc.conn.IsClosed() {
		return nil
	}
	if err := nc.conn.Drain(); err != nil {
		nc.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
