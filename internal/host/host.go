// Package host defines the downstream interfaces the controller consumes
// from its embedding coding-agent process. The host's plugin
// surface, model registry, and JSON config I/O are out of scope
//; we only declare the narrow contract we call through.
package host

import "github.com/pi-agent/model-selector/internal/model"

// NotifyLevel mirrors host.notify's level enum.
type NotifyLevel string

const (
	NotifyInfo    NotifyLevel = "info"
	NotifyWarning NotifyLevel = "warning"
	NotifyError   NotifyLevel = "error"
)

// Model is the resolved model handle the host's registry returns.
type Model struct {
	Provider string
	ID       string
}

// ModelRegistry resolves provider/id pairs into models the host can
// activate. GetAvailable is only used by the wizard and is out of scope
// here, but the method is still declared so a real host implementation
// satisfies one interface.
type ModelRegistry interface {
	Find(provider, id string) (*Model, bool)
	GetAvailable() []model.ModelRef
}

// AuthStorage is the read-only credential store the probes discover
// credentials from.
type AuthStorage interface {
	GetAPIKey(id string) (string, bool)
	Get(id string) (map[string]any, bool)
}

// Host is the set of callbacks the selector drives at the end of a
// run: applying the winning model and surfacing notifications.
type Host interface {
	Registry() ModelRegistry
	Auth() AuthStorage
	SetModel(m Model) bool
	Notify(level NotifyLevel, message string)
	CurrentModel() (Model, bool)
}
