// Package config loads the service configuration from a YAML file and PGINGEST_ environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pgflo/pg_ingest/pkg/notify"
	"github.com/pgflo/pg_ingest/pkg/replicator"
)

// EnvPrefix is prepended to environment variable overrides, e.g. PGINGEST_DATABASE_HOST
const EnvPrefix = "PGINGEST"

const (
	OffsetsPostgres = "postgres"
	OffsetsFile     = "file"
)

type Config struct {
	// Database is the ODS database; it also holds the metadata tables
	Database  replicator.Config `mapstructure:"database"`
	Offsets   OffsetsConfig     `mapstructure:"offsets"`
	NiFi      notify.NiFiConfig `mapstructure:"nifi"`
	NATS      NATSConfig        `mapstructure:"nats"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Server    ServerConfig      `mapstructure:"server"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Log       LogConfig         `mapstructure:"log"`
	// Tasks is a task definition file or a directory of them
	Tasks string `mapstructure:"tasks"`
}

// OffsetsConfig selects where source positions are kept
type OffsetsConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// NATSConfig enables readiness messages after every flush
type NATSConfig struct {
	URL         string `mapstructure:"url"`
	Stream      string `mapstructure:"stream"`
	ReadyPrefix string `mapstructure:"ready_prefix"`
}

// Enabled reports whether a NATS server is configured
func (n NATSConfig) Enabled() bool {
	return n.URL != "" && n.ReadyPrefix != ""
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	NodeID   string `mapstructure:"node_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address of the admin server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type SchedulerConfig struct {
	// Timezone applies to schedules without a TZ= prefix; empty is the local zone
	Timezone string `mapstructure:"timezone"`
}

// Location resolves the scheduler time zone
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "")
	v.SetDefault("offsets.backend", OffsetsPostgres)
	v.SetDefault("offsets.path", "pg_ingest_offsets.db")
	v.SetDefault("nifi.base_url", notify.DefaultNiFiConfig.BaseURL)
	v.SetDefault("nifi.connect_timeout", notify.DefaultNiFiConfig.ConnectTimeout)
	v.SetDefault("nifi.read_timeout", notify.DefaultNiFiConfig.ReadTimeout)
	v.SetDefault("nifi.enabled", false)
	v.SetDefault("nifi.async", notify.DefaultNiFiConfig.Async)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "pg_ingest")
	v.SetDefault("nats.ready_prefix", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.node_id", "")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("scheduler.timezone", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("tasks", "tasks")
}

// Load reads the configuration. An empty path uses defaults and environment variables only.
// Flags, when given, override file and environment values; "log-level" binds to log.level.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, key := range []string{"log.level", "log.format"} {
			if f := flags.Lookup(strings.ReplaceAll(key, ".", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		val, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	switch c.Offsets.Backend {
	case OffsetsPostgres:
	case OffsetsFile:
		if c.Offsets.Path == "" {
			return fmt.Errorf("offsets.path is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid offsets.backend: %s (valid options: postgres, file)", c.Offsets.Backend)
	}

	if c.NiFi.Enabled && c.NiFi.BaseURL == "" {
		return fmt.Errorf("nifi.base_url is required when nifi is enabled")
	}
	if c.NATS.ReadyPrefix != "" && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required for readiness messages")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return fmt.Errorf("invalid scheduler.timezone: %w", err)
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (valid options: console, json)", c.Log.Format)
	}
	return nil
}
