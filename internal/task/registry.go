package task

import (
	"fmt"
	"time"

	"storyreel/internal/domain"
	"storyreel/internal/providers"
)

// ModelSpec binds a model id to its protocol family and polling budget. The
// family is resolved here, once, so no call site ever matches on model-id
// substrings.
type ModelSpec struct {
	ID           string
	Type         domain.TaskType
	Protocol     providers.Protocol
	PollInterval time.Duration
	PollCeiling  time.Duration
}

// Registry maps model ids to specs and protocol families to adapters.
type Registry struct {
	adapters map[providers.Protocol]providers.Adapter
	models   map[string]ModelSpec
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[providers.Protocol]providers.Adapter),
		models:   make(map[string]ModelSpec),
	}
}

// RegisterAdapter installs the adapter handling one protocol family.
func (r *Registry) RegisterAdapter(p providers.Protocol, a providers.Adapter) {
	r.adapters[p] = a
}

// RegisterModel installs a model spec, applying default polling budgets by
// task type when unset.
func (r *Registry) RegisterModel(spec ModelSpec) {
	if spec.PollInterval <= 0 {
		spec.PollInterval = 5 * time.Second
	}
	if spec.PollCeiling <= 0 {
		switch spec.Type {
		case domain.TaskTypeVideo:
			spec.PollCeiling = 30 * time.Minute
		default:
			spec.PollCeiling = 10 * time.Minute
		}
	}
	r.models[spec.ID] = spec
}

// Lookup reports the task type a model produces, and whether the model is
// known at all. The HTTP layer uses it to reject submissions up front.
func (r *Registry) Lookup(modelID string) (domain.TaskType, bool) {
	spec, ok := r.models[modelID]
	return spec.Type, ok
}

// Resolve returns the spec and adapter for a model id.
func (r *Registry) Resolve(modelID string) (ModelSpec, providers.Adapter, error) {
	spec, ok := r.models[modelID]
	if !ok {
		return ModelSpec{}, nil, fmt.Errorf("model %q is not registered", modelID)
	}
	adapter, ok := r.adapters[spec.Protocol]
	if !ok {
		return ModelSpec{}, nil, fmt.Errorf("no adapter registered for protocol %q", spec.Protocol)
	}
	return spec, adapter, nil
}

// DefaultModels is the built-in model catalog.
func DefaultModels() []ModelSpec {
	return []ModelSpec{
		{ID: "gemini-2.5-flash", Type: domain.TaskTypeChat, Protocol: providers.ProtocolSingleShot},
		{ID: "gemini-2.5-flash-image", Type: domain.TaskTypeImage, Protocol: providers.ProtocolSingleShot},
		{ID: "wan2.2-t2i-plus", Type: domain.TaskTypeImage, Protocol: providers.ProtocolPoll},
		{ID: "wan2.2-i2v-plus", Type: domain.TaskTypeVideo, Protocol: providers.ProtocolPollVideo},
		{ID: "wan2.2-t2v-plus", Type: domain.TaskTypeVideo, Protocol: providers.ProtocolPollVideo},
		{ID: "wan2.1-kf2v-plus", Type: domain.TaskTypeVideo, Protocol: providers.ProtocolPollVideo},
	}
}
