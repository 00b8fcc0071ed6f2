package backend

import (
	"context"
	"fmt"
	"time"
)

// Engine selector values accepted in configuration.
const (
	EngineMock        = "mock"
	EngineCPU         = "cpu"
	EngineAccelerated = "accelerated"
)

// RegistryConfig selects and parameterizes the engines loaded at startup.
type RegistryConfig struct {
	Engine string

	WhisperBinary string
	ModelSize     string
	Device        string

	RemoteURL     string
	RemoteAPIKey  string
	RemoteModel   string
	RemoteTimeout time.Duration
}

// Registry owns the engines for the lifetime of the process. Engines are
// constructed exactly once; the active one is picked by configuration at
// startup from the closed variant set.
type Registry struct {
	engines   map[string]Backend
	active    Backend
	activeKey string
}

// NewRegistry loads the configured engines. The whisper engine is not
// reentrant and gets wrapped with per-engine mutual exclusion here, so
// callers never see an unguarded instance.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	engines := map[string]Backend{
		EngineMock: NewMock(),
		EngineCPU:  Serialize(NewWhisperCPU(cfg.WhisperBinary, cfg.ModelSize, cfg.Device)),
	}
	if cfg.RemoteURL != "" {
		engines[EngineAccelerated] = NewRemote(cfg.RemoteURL, cfg.RemoteAPIKey, cfg.RemoteModel, cfg.RemoteTimeout)
	}

	selector := cfg.Engine
	if selector == "" {
		selector = EngineCPU
	}
	active, ok := engines[selector]
	if !ok {
		return nil, fmt.Errorf("unknown backend engine %q", selector)
	}
	return &Registry{engines: engines, active: active, activeKey: selector}, nil
}

// Active returns the engine selected at startup.
func (r *Registry) Active() Backend {
	return r.active
}

// ActiveKey returns the selector of the engine chosen at startup.
func (r *Registry) ActiveKey() string {
	return r.activeKey
}

// Health reports per-engine health for the loaded set.
func (r *Registry) Health(ctx context.Context) map[string]string {
	out := make(map[string]string, len(r.engines))
	for name, engine := range r.engines {
		out[name] = engine.HealthCheck(ctx)
	}
	return out
}
