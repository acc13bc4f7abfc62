package storage

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	storageConfig "github.com/tigerroll/ferry/pkg/batch/adapter/storage/config"
	coreConfig "github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// ConnectionFactory opens a connection for a decoded storage block.
type ConnectionFactory func(cfg storageConfig.StorageConfig, name string) (StorageConnection, error)

// BaseProvider implements StorageProvider for one storage type. Connections are opened on
// first use and cached by name.
type BaseProvider struct {
	configs      map[string]interface{}
	providerType string
	factory      ConnectionFactory
	connections  map[string]StorageConnection
	mu           sync.RWMutex
}

var _ StorageProvider = (*BaseProvider)(nil)

// NewBaseProvider creates a provider serving the `ferry.storage` blocks of providerType.
func NewBaseProvider(cfg *coreConfig.Config, providerType string, factory ConnectionFactory) *BaseProvider {
	return &BaseProvider{
		configs:      cfg.Ferry.StorageConfigs,
		providerType: providerType,
		factory:      factory,
		connections:  make(map[string]StorageConnection),
	}
}

// Type implements StorageProvider.
func (p *BaseProvider) Type() string {
	return p.providerType
}

// GetConnection implements StorageProvider.
func (p *BaseProvider) GetConnection(name string) (StorageConnection, error) {
	p.mu.RLock()
	conn, ok := p.connections[name]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok = p.connections[name]; ok {
		return conn, nil
	}
	return p.open(name)
}

// open is called with p.mu held.
func (p *BaseProvider) open(name string) (StorageConnection, error) {
	cfg, err := storageConfig.Lookup(p.configs, name)
	if err != nil {
		return nil, err
	}
	if cfg.Type != p.providerType {
		return nil, fmt.Errorf("storage config type mismatch for '%s': expected '%s', got '%s'", name, p.providerType, cfg.Type)
	}
	conn, err := p.factory(cfg, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage connection '%s': %w", p.providerType, name, err)
	}
	p.connections[name] = conn
	logger.Debugf("Created new %s storage connection '%s'.", p.providerType, name)
	return conn, nil
}

// ForceReconnect implements StorageProvider.
func (p *BaseProvider) ForceReconnect(name string) (StorageConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.connections[name]; ok {
		if err := conn.Close(); err != nil {
			logger.Warnf("Failed to close %s storage connection '%s' during reconnect: %v", p.providerType, name, err)
		}
		delete(p.connections, name)
	}
	return p.open(name)
}

// CloseAll implements StorageProvider.
func (p *BaseProvider) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	for name, conn := range p.connections {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close storage connection '%s': %w", name, err))
		}
		delete(p.connections, name)
	}
	return result.ErrorOrNil()
}
