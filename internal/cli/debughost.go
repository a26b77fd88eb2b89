package cli

import (
	"fmt"

	"github.com/pi-agent/model-selector/internal/host"
	"github.com/pi-agent/model-selector/internal/model"
)

// debugHost is a minimal host.Host for standalone CLI use, where no real
// embedding agent is attached. Its registry resolves every (provider, id)
// pair to itself -- the debug CLI cares about what the Selector would pick,
// not about a real model catalog -- and SetModel/Notify just print.
type debugHost struct {
	current    host.Model
	hasCurrent bool
}

func (h *debugHost) Registry() host.ModelRegistry { return passthroughRegistry{} }
func (h *debugHost) Auth() host.AuthStorage       { return noAuth{} }

func (h *debugHost) SetModel(m host.Model) bool {
	fmt.Printf("[selectorctl] would select %s/%s\n", m.Provider, m.ID)
	h.current = m
	h.hasCurrent = true
	return true
}

func (h *debugHost) Notify(level host.NotifyLevel, message string) {
	fmt.Printf("[%s] %s\n", level, message)
}

func (h *debugHost) CurrentModel() (host.Model, bool) { return h.current, h.hasCurrent }

type passthroughRegistry struct{}

func (passthroughRegistry) Find(provider, id string) (*host.Model, bool) {
	return &host.Model{Provider: provider, ID: id}, true
}
func (passthroughRegistry) GetAvailable() []model.ModelRef { return nil }

// noAuth reports no stored credentials; the probes themselves still
// discover credentials from their own well-known file locations
// (~/.codex, ~/.gemini, keychain) independent of this AuthStorage.
type noAuth struct{}

func (noAuth) GetAPIKey(string) (string, bool)   { return "", false }
func (noAuth) Get(string) (map[string]any, bool) { return nil, false }
