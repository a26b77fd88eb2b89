// Package config supplies the ambient configuration surface around
// model.LoadedConfig: per-provider quota/timing defaults and an optional
// local tuning-override file, generalized from the
// provider.GetProviderQuotaConfig. Reading and writing the user's mapping
// config itself stays the host's job.
package config

import (
	"strings"
	"time"

	"github.com/pi-agent/model-selector/internal/model"
)

// ProviderQuotaConfig supplies provider-specific defaults used by probes,
// the Cooldown Manager, and the Lock Coordinator.
type ProviderQuotaConfig struct {
	// StickyTTL bounds how long a multi-account probe's dedup/identity
	// decisions are trusted between runs (e.g. Copilot ETag reuse window).
	StickyTTL time.Duration
	// CooldownTTL is the default provider-wildcard cooldown duration
	// applied on a 429 observation.
	CooldownTTL time.Duration
	// TokenRefreshSkew is how long before expiry a token is proactively
	// refreshed.
	TokenRefreshSkew time.Duration
}

const defaultCooldownTTL = time.Hour

var defaults = map[model.Provider]ProviderQuotaConfig{
	model.ProviderAnthropic:   {CooldownTTL: defaultCooldownTTL, TokenRefreshSkew: 0},
	model.ProviderCopilot:     {CooldownTTL: defaultCooldownTTL, StickyTTL: 10 * time.Minute},
	model.ProviderGemini:      {CooldownTTL: defaultCooldownTTL, TokenRefreshSkew: 60 * time.Second},
	model.ProviderCodex:       {CooldownTTL: defaultCooldownTTL},
	model.ProviderAntigravity: {CooldownTTL: defaultCooldownTTL, TokenRefreshSkew: 5 * time.Minute},
	model.ProviderKiro:        {CooldownTTL: defaultCooldownTTL},
	model.ProviderZai:         {CooldownTTL: defaultCooldownTTL},
}

// GetProviderQuotaConfig returns the quota/timing defaults for provider,
// overlaid with any value set in a loaded Overrides file.
func GetProviderQuotaConfig(provider string) ProviderQuotaConfig {
	p := model.Provider(strings.ToLower(strings.TrimSpace(provider)))
	cfg, ok := defaults[p]
	if !ok {
		cfg = ProviderQuotaConfig{CooldownTTL: defaultCooldownTTL}
	}
	if ov := currentOverrides.Load(); ov != nil {
		if o, ok := ov.Providers[string(p)]; ok {
			if o.CooldownTTLSeconds > 0 {
				cfg.CooldownTTL = time.Duration(o.CooldownTTLSeconds) * time.Second
			}
			if o.TokenRefreshSkewSeconds > 0 {
				cfg.TokenRefreshSkew = time.Duration(o.TokenRefreshSkewSeconds) * time.Second
			}
		}
	}
	return cfg
}

// HeartbeatInterval is the Lock Coordinator's refresh period, overridable for tests or unusual deployments.
func HeartbeatInterval() time.Duration {
	if ov := currentOverrides.Load(); ov != nil && ov.HeartbeatMillis > 0 {
		return time.Duration(ov.HeartbeatMillis) * time.Millisecond
	}
	return 5 * time.Second
}

// StaleLockThreshold is the minimum age of a heartbeat before a lock is
// considered abandoned.
// Chosen as exactly 3x the heartbeat interval, documented here rather
// than left implicit.
func StaleLockThreshold() time.Duration {
	if ov := currentOverrides.Load(); ov != nil && ov.StaleLockMillis > 0 {
		return time.Duration(ov.StaleLockMillis) * time.Millisecond
	}
	return 3 * HeartbeatInterval()
}

// LockAcquirePollInterval is how often a waiting Acquire(timeoutMs>0) call
// retries.
func LockAcquirePollInterval() time.Duration {
	return 250 * time.Millisecond
}

// WaitForModelLockPollInterval and MaxWait implement the selector's
// wait-for-lock behavior: poll every 1250ms up to 10 minutes total.
const (
	WaitForModelLockPollInterval = 1250 * time.Millisecond
	WaitForModelLockMaxWait      = 10 * time.Minute
)

// AggregatorDeadline is the Aggregator's global deadline.
const AggregatorDeadline = 12 * time.Second

// ProbeCallDeadline is the per-probe-call deadline.
const ProbeCallDeadline = 10 * time.Second
