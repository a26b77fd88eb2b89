package config

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/pi-agent/model-selector/internal/jsonutil"
	"github.com/pi-agent/model-selector/internal/logging"
)

// OverridesFileName is the optional local tuning-override file. It is NOT
// the user's mapping config (that stays the host's/wizard's per spec
// Non-goals) -- only internal knobs like a custom stale-lock threshold.
const OverridesFileName = "model-selector-overrides.jsonc"

// ProviderOverride holds per-provider tuning overrides.
type ProviderOverride struct {
	CooldownTTLSeconds     int `json:"cooldownTtlSeconds,omitempty" yaml:"cooldownTtlSeconds,omitempty"`
	TokenRefreshSkewSeconds int `json:"tokenRefreshSkewSeconds,omitempty" yaml:"tokenRefreshSkewSeconds,omitempty"`
}

// Overrides is the root shape of the optional overrides file.
type Overrides struct {
	HeartbeatMillis int                         `json:"heartbeatMillis,omitempty" yaml:"heartbeatMillis,omitempty"`
	StaleLockMillis int                         `json:"staleLockMillis,omitempty" yaml:"staleLockMillis,omitempty"`
	Providers       map[string]ProviderOverride `json:"providers,omitempty" yaml:"providers,omitempty"`
}

var currentOverrides atomic.Pointer[Overrides]

// LoadOverrides reads ~/.pi/model-selector-overrides.jsonc, tolerating
// comments and trailing commas via hujson, and installs it as the active
// override set. A missing file is not an error; it simply clears overrides.
func LoadOverrides(homeDir string) error {
	path := filepath.Join(homeDir, OverridesFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			currentOverrides.Store(nil)
			return nil
		}
		return err
	}
	standard, err := hujson.Standardize(raw)
	if err != nil {
		logging.Warnf("model-selector: ignoring malformed overrides file %s: %v", path, err)
		return nil
	}
	var ov Overrides
	if err := jsonutil.Unmarshal(standard, &ov); err != nil {
		logging.Warnf("model-selector: ignoring malformed overrides file %s: %v", path, err)
		return nil
	}
	currentOverrides.Store(&ov)
	return nil
}

// MarshalYAML round-trips Overrides for tests/debug tooling that prefer
// YAML over JSONC, using the same struct tags the host's own config uses.
func (o *Overrides) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(o)
}
