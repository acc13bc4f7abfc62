package payload

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/fx"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Factory builds the payload of one job definition.
type Factory func(def *model.JobDefinition) (Payload, error)

// Registration contributes a payload type to the registry through the "payloads" fx group.
type Registration struct {
	Type    string
	Factory Factory
}

// Registry maps payload types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegistryParams holds the Fx dependencies of NewRegistryFromGroup.
type RegistryParams struct {
	fx.In
	Registrations []Registration `group:"payloads"`
}

// NewRegistryFromGroup creates a Registry holding every contributed Registration.
func NewRegistryFromGroup(p RegistryParams) *Registry {
	r := NewRegistry()
	for _, reg := range p.Registrations {
		r.Register(reg.Type, reg.Factory)
	}
	return r
}

// Register adds or replaces the factory of payloadType.
func (r *Registry) Register(payloadType string, factory Factory) {
	if payloadType == "" || factory == nil {
		panic("payload: Register requires a type and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[payloadType]; exists {
		logger.Warnf("Payload type '%s' already registered. Overwriting.", payloadType)
	}
	r.factories[payloadType] = factory
}

// Resolve builds the payload of def. An unknown payload type is a fatal ErrJobNotFound.
func (r *Registry) Resolve(def *model.JobDefinition) (Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[def.PayloadType]
	r.mu.RUnlock()
	if !ok {
		return nil, exception.NewBatchError("PayloadRegistry",
			fmt.Sprintf("no payload registered for type '%s' (job '%s')", def.PayloadType, def.JobKey),
			exception.ErrJobNotFound, exception.KindFatal)
	}
	p, err := factory(def)
	if err != nil {
		return nil, exception.NewBatchError("PayloadRegistry",
			fmt.Sprintf("failed to build payload '%s' for job '%s'", def.PayloadType, def.JobKey),
			fmt.Errorf("%w: %v", exception.ErrPayloadContract, err), exception.KindFatal)
	}
	return p, nil
}

// Types returns the registered payload types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Provide returns an fx option contributing a payload type to the registry.
func Provide(payloadType string, factory Factory) fx.Option {
	return fx.Provide(fx.Annotate(
		func() Registration { return Registration{Type: payloadType, Factory: factory} },
		fx.ResultTags(`group:"payloads"`),
	))
}
