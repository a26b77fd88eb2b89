package bootstrap

import (
	"testing"

	"github.com/pi-agent/model-selector/internal/host"
	"github.com/pi-agent/model-selector/internal/model"
)

type noopHost struct{}

func (noopHost) Registry() host.ModelRegistry { return noopRegistry{} }
func (noopHost) Auth() host.AuthStorage       { return noopAuth{} }
func (noopHost) SetModel(host.Model) bool     { return true }
func (noopHost) Notify(host.NotifyLevel, string) {}
func (noopHost) CurrentModel() (host.Model, bool) { return host.Model{}, false }

type noopRegistry struct{}

func (noopRegistry) Find(string, string) (*host.Model, bool) { return nil, false }
func (noopRegistry) GetAvailable() []model.ModelRef          { return nil }

type noopAuth struct{}

func (noopAuth) GetAPIKey(string) (string, bool)   { return "", false }
func (noopAuth) Get(string) (map[string]any, bool) { return nil, false }

func TestBootstrapWiresEveryCollaborator(t *testing.T) {
	dir := t.TempDir()
	result, err := Bootstrap(noopHost{}, dir)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer result.Shutdown()

	if result.Selector == nil {
		t.Fatal("expected a non-nil Selector")
	}
	if result.Cooldowns == nil {
		t.Fatal("expected a non-nil Cooldown Manager")
	}
	if result.Locks == nil {
		t.Fatal("expected a non-nil Lock Coordinator")
	}
	if result.History != nil {
		t.Fatal("expected a nil history backend when no DSN is configured")
	}
	if result.HomeDir != dir {
		t.Fatalf("expected HomeDir to be %q, got %q", dir, result.HomeDir)
	}
}

func TestDefaultHomeDirIsUnderUserHome(t *testing.T) {
	dir, err := defaultHomeDir()
	if err != nil {
		t.Fatalf("defaultHomeDir: %v", err)
	}
	if dir == "" {
		t.Fatal("expected a non-empty default home directory")
	}
}
