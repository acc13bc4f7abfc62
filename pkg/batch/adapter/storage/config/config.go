// Package config holds the connection settings of the storage adapters.
package config

import (
	"fmt"

	"github.com/tigerroll/ferry/pkg/batch/support/util/configbinder"
)

// StorageConfig holds configuration for a single storage connection.
type StorageConfig struct {
	Type            string `yaml:"type"`             // "gcs" or "local".
	BucketName      string `yaml:"bucket_name"`      // Default bucket for operations.
	CredentialsFile string `yaml:"credentials_file"` // Service account key file for GCS.
	Endpoint        string `yaml:"endpoint"`         // GCS endpoint override, e.g. an emulator.
	BaseDir         string `yaml:"base_dir"`         // Root directory for the local adapter.
}

// Decode converts one `ferry.storage.<name>` block into a StorageConfig.
func Decode(name string, raw interface{}) (StorageConfig, error) {
	var cfg StorageConfig
	props, ok := raw.(map[string]interface{})
	if !ok {
		return cfg, fmt.Errorf("storage configuration '%s' must be a mapping, got %T", name, raw)
	}
	if err := configbinder.BindProperties(props, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode storage config for '%s': %w", name, err)
	}
	if cfg.Type == "" {
		return cfg, fmt.Errorf("storage configuration '%s' has no type", name)
	}
	return cfg, nil
}

// Lookup finds and decodes the block called name.
func Lookup(configs map[string]interface{}, name string) (StorageConfig, error) {
	raw, ok := configs[name]
	if !ok {
		return StorageConfig{}, fmt.Errorf("storage configuration '%s' not found under 'ferry.storage'", name)
	}
	return Decode(name, raw)
}
