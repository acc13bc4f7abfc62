// Package config holds the connection settings of the database adapter.
package config

import (
	"fmt"

	"github.com/tigerroll/ferry/pkg/batch/support/util/configbinder"
)

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Type     string     `yaml:"type"`                // Database type ("postgres", "mysql", "sqlite").
	Host     string     `yaml:"host"`                // Database host address.
	Port     int        `yaml:"port"`                // Database port number.
	Database string     `yaml:"database"`            // Database name, or file path for SQLite.
	User     string     `yaml:"user"`                // Database user.
	Password string     `yaml:"password"`            // Database password.
	Schema   string     `yaml:"schema,omitempty"`    // Schema name for PostgreSQL.
	Sslmode  string     `yaml:"sslmode"`             // SSL mode for the connection.
	Params   string     `yaml:"params,omitempty"`    // Extra DSN parameters appended verbatim.
	LogLevel string     `yaml:"log_level,omitempty"` // GORM log level (SILENT, ERROR, WARN, INFO).
	Pool     PoolConfig `yaml:"pool"`                // Connection pool settings.
}

// Decode converts one free-form `ferry.database.<name>` block into a DatabaseConfig.
// String values (from environment overrides) are converted weakly.
func Decode(name string, raw interface{}) (DatabaseConfig, error) {
	var cfg DatabaseConfig
	props, ok := raw.(map[string]interface{})
	if !ok {
		return cfg, fmt.Errorf("database configuration '%s' must be a mapping, got %T", name, raw)
	}
	if err := configbinder.BindProperties(props, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode database config for '%s': %w", name, err)
	}
	if cfg.Type == "" {
		return cfg, fmt.Errorf("database configuration '%s' has no type", name)
	}
	return cfg, nil
}

// Lookup finds and decodes the block called name within the configured database blocks.
func Lookup(configs map[string]interface{}, name string) (DatabaseConfig, error) {
	raw, ok := configs[name]
	if !ok {
		return DatabaseConfig{}, fmt.Errorf("database configuration '%s' not found under 'ferry.database'", name)
	}
	return Decode(name, raw)
}
