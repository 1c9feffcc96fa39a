// Package registry manages available agent providers and their Docker image
// configurations.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
)

// MountTemplate describes a mount whose source is resolved at launch time.
// The source may contain the {workspace} placeholder.
type MountTemplate struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ResourceLimits holds per-provider container resource limits.
type ResourceLimits struct {
	MemoryMB       int64   `json:"memory_mb"`
	CPUCores       float64 `json:"cpu_cores"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// ProviderConfig holds configuration for one agent CLI provider.
type ProviderConfig struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Image          string            `json:"image"` // Docker image
	Tag            string            `json:"tag"`   // Default tag
	Cmd            []string          `json:"cmd,omitempty"`
	WorkingDir     string            `json:"working_dir"`
	Env            map[string]string `json:"env,omitempty"`
	RequiredEnv    []string          `json:"required_env"` // Credentials that must be present
	Mounts         []MountTemplate   `json:"mounts,omitempty"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	Enabled        bool              `json:"enabled"`
	Default        bool              `json:"default"`
}

// ImageRef returns the full image reference including the tag.
func (c *ProviderConfig) ImageRef() string {
	if c.Tag == "" {
		return c.Image
	}
	return c.Image + ":" + c.Tag
}

// Registry holds the set of known agent providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderConfig
	logger    *logger.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		providers: make(map[string]*ProviderConfig),
		logger:    log.WithFields(zap.String("component", "agent-registry")),
	}
}

// LoadDefaults registers the built-in providers.
func (r *Registry) LoadDefaults() {
	for _, provider := range DefaultProviders() {
		if err := r.Register(provider); err != nil {
			r.logger.Warn("Failed to register default provider",
				zap.String("provider", provider.ID),
				zap.Error(err))
		}
	}
}

// Register adds or replaces a provider configuration.
func (r *Registry) Register(config *ProviderConfig) error {
	if err := ValidateConfig(config); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[config.ID] = config

	r.logger.Debug("Registered agent provider",
		zap.String("provider", config.ID),
		zap.String("image", config.ImageRef()))
	return nil
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[id]
	if !ok {
		return nil, apperrors.NotFound("agent provider", id)
	}
	return provider, nil
}

// GetDefault returns the provider marked as default, falling back to the
// first enabled one.
func (r *Registry) GetDefault() (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *ProviderConfig
	for _, provider := range r.providers {
		if !provider.Enabled {
			continue
		}
		if provider.Default {
			return provider, nil
		}
		if fallback == nil {
			fallback = provider
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, apperrors.NotFound("agent provider", "default")
}

// List returns all registered providers.
func (r *Registry) List() []*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ProviderConfig, 0, len(r.providers))
	for _, provider := range r.providers {
		result = append(result, provider)
	}
	return result
}

// ListEnabled returns all enabled providers.
func (r *Registry) ListEnabled() []*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*ProviderConfig
	for _, provider := range r.providers {
		if provider.Enabled {
			result = append(result, provider)
		}
	}
	return result
}

// Exists reports whether the provider id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// ValidateConfig checks a provider configuration for required fields.
func ValidateConfig(config *ProviderConfig) error {
	if config.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if config.Image == "" {
		return fmt.Errorf("provider %s: image is required", config.ID)
	}
	if config.WorkingDir == "" {
		return fmt.Errorf("provider %s: working_dir is required", config.ID)
	}
	return nil
}
