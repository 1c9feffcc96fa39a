package registry

import (
	"testing"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewRegistry(log)
}

func TestLoadDefaults(t *testing.T) {
	r := newTestRegistry(t)
	r.LoadDefaults()

	if !r.Exists("claude-code") {
		t.Fatal("expected claude-code provider to be registered")
	}

	def, err := r.GetDefault()
	if err != nil {
		t.Fatalf("GetDefault: %v", err)
	}
	if def.ID != "claude-code" {
		t.Errorf("default provider = %s, want claude-code", def.ID)
	}

	if len(r.ListEnabled()) == 0 {
		t.Error("expected enabled providers")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(&ProviderConfig{ID: "broken"}); err == nil {
		t.Error("expected validation error for provider without image")
	}

	if err := r.Register(&ProviderConfig{
		ID:         "custom",
		Image:      "example/custom",
		WorkingDir: "/workspace",
		Enabled:    true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := r.Get("custom")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ImageRef() != "example/custom" {
		t.Errorf("ImageRef = %s", got.ImageRef())
	}
}

func TestGetUnknownProvider(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get("missing")
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}
