// Package replicator holds the PostgreSQL logical replication plumbing used by the postgres source.
package replicator

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Config holds the configuration for a logical replication connection
type Config struct {
	Host        string            `yaml:"host" mapstructure:"host"`
	Port        uint16            `yaml:"port" mapstructure:"port"`
	Database    string            `yaml:"database" mapstructure:"database"`
	User        string            `yaml:"user" mapstructure:"user"`
	Password    string            `yaml:"password" mapstructure:"password"`
	SSLMode     string            `yaml:"sslmode" mapstructure:"sslmode"`
	Group       string            `yaml:"group" mapstructure:"group"`
	Schema      string            `yaml:"schema" mapstructure:"schema"`
	Tables      []string          `yaml:"tables" mapstructure:"tables"`
	RetryConfig utils.RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// GetRetryConfig returns the retry configuration with defaults if not set
func (c Config) GetRetryConfig() utils.RetryConfig {
	if c.RetryConfig.MaxAttempts == 0 {
		return utils.RetryConfig{
			MaxAttempts: 3,
			InitialWait: time.Second * 1,
			MaxWait:     time.Second * 8,
		}
	}
	return c.RetryConfig
}

// ConnectionString generates and returns a PostgreSQL connection string
func (c Config) ConnectionString() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, port),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", c.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ReplicationConnectionString is ConnectionString with the walsender enabled for logical decoding
func (c Config) ReplicationConnectionString() string {
	u, _ := url.Parse(c.ConnectionString())
	q := u.Query()
	q.Set("replication", "database")
	u.RawQuery = q.Encode()
	return u.String()
}

// SchemaOrDefault returns the configured schema, public when unset
func (c Config) SchemaOrDefault() string {
	if c.Schema == "" {
		return "public"
	}
	return c.Schema
}
