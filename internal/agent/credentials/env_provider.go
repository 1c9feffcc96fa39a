// Package credentials resolves the API keys an agent provider requires
// before its container is launched. Values come from the orchestrator's own
// environment and are injected into the container, never persisted.
package credentials

import (
	"fmt"
	"os"
	"strings"
)

// Credential is one resolved key/value pair.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// EnvProvider reads credentials from environment variables, optionally
// falling back to a prefixed form (e.g. CREWDOCK_ANTHROPIC_API_KEY).
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-backed credential provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// Get retrieves a single credential, trying the bare key first and the
// prefixed key second.
func (p *EnvProvider) Get(key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// Resolve looks up every required key. It fails on the first missing one so
// the launch can be rejected before a container is created.
func (p *EnvProvider) Resolve(required []string) ([]Credential, error) {
	resolved := make([]Credential, 0, len(required))
	for _, key := range required {
		cred, err := p.Get(key)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, *cred)
	}
	return resolved, nil
}

// ListAvailable reports credential-shaped environment variables, used by the
// providers API to show which agents are launchable.
func (p *EnvProvider) ListAvailable() []string {
	var available []string
	seen := make(map[string]bool)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		key := parts[0]

		lower := strings.ToLower(key)
		if !strings.Contains(lower, "api_key") &&
			!strings.Contains(lower, "apikey") &&
			!strings.Contains(lower, "_token") &&
			!strings.Contains(lower, "_secret") {
			continue
		}

		if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
			key = strings.TrimPrefix(key, p.prefix)
		}
		if !seen[key] {
			seen[key] = true
			available = append(available, key)
		}
	}
	return available
}
