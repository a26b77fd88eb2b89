// Package model defines the data entities shared across the controller:
// RateWindow, UsageSnapshot, UsageCandidate, MappingEntry, Cooldown,
// ModelLock and LoadedConfig. These are pure value types with
// no I/O; every component operates on them by value or pointer, never by
// shared mutable reference across goroutines.
package model

import "time"

// Provider enumerates the seven supported upstream providers. Kept as a
// distinct string type (not an int enum) so persisted JSON and lock file
// names stay human-readable, matching the ProviderType pattern.
type Provider string

const (
	ProviderAnthropic   Provider = "anthropic"
	ProviderCopilot     Provider = "copilot"
	ProviderGemini      Provider = "gemini"
	ProviderCodex       Provider = "codex"
	ProviderAntigravity Provider = "antigravity"
	ProviderKiro        Provider = "kiro"
	ProviderZai         Provider = "zai"
)

// AllProviders lists the seven providers in probe registration order; the
// Aggregator preserves this order in its output.
var AllProviders = []Provider{
	ProviderAnthropic,
	ProviderCopilot,
	ProviderGemini,
	ProviderCodex,
	ProviderAntigravity,
	ProviderKiro,
	ProviderZai,
}

// RateWindow is one rate-limit dimension reported (or synthesized) for a
// provider account.
type RateWindow struct {
	Label             string     `json:"label"`
	UsedPercent       float64    `json:"usedPercent"`
	ResetsAt          *time.Time `json:"resetsAt,omitempty"`
	ResetDescription  string     `json:"resetDescription,omitempty"`
	Synthetic         bool       `json:"synthetic,omitempty"`
}

// ClampUsedPercent clamps w.UsedPercent into [0,100], the only normalization
// invariant RateWindow itself must enforce.
func (w *RateWindow) ClampUsedPercent() {
	if w.UsedPercent < 0 {
		w.UsedPercent = 0
	}
	if w.UsedPercent > 100 {
		w.UsedPercent = 100
	}
}

// AccessWindowLabel is the synthetic window label meaning "credential is
// alive but quota unreadable" (HTTP 304, or a fallback-after-exchange).
const AccessWindowLabel = "Access"

// UsageSnapshot is one probe's normalized output for one (provider,
// account). Invariant: either Error is set and Windows is empty, or Error
// is empty and Windows is non-empty -- except a snapshot MAY carry a
// synthetic Access window with UsedPercent=0 alongside a non-fatal Error.
type UsageSnapshot struct {
	Provider    Provider     `json:"provider"`
	DisplayName string       `json:"displayName"`
	Windows     []RateWindow `json:"windows,omitempty"`
	Plan        string       `json:"plan,omitempty"`
	Account     string       `json:"account,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// HasAccessWindow reports whether s carries the synthetic Access window.
func (s *UsageSnapshot) HasAccessWindow() bool {
	for _, w := range s.Windows {
		if w.Label == AccessWindowLabel {
			return true
		}
	}
	return false
}

// UsageCandidate is one window promoted to a selection atom.
type UsageCandidate struct {
	Provider         Provider   `json:"provider"`
	DisplayName      string     `json:"displayName"`
	WindowLabel      string     `json:"windowLabel"`
	Account          string     `json:"account,omitempty"`
	UsedPercent      float64    `json:"usedPercent"`
	RemainingPercent float64    `json:"remainingPercent"`
	ResetsAt         *time.Time `json:"resetsAt,omitempty"`
	IsSynthetic      bool       `json:"isSynthetic,omitempty"`

	// Mapping outcome, populated by the Candidate Builder / Selector.
	Mapping *ResolvedModel `json:"mapping,omitempty"`
	Ignored bool            `json:"ignored,omitempty"`
	// Exhausted is set once UsedPercent crosses a mapping's reserve
	// threshold, independent of RemainingPercent<=0.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Key returns the bucket key "provider|account|windowLabel" used by the
// Cooldown Manager and for candidate identity/dedup.
func (c *UsageCandidate) Key() string {
	return BucketKey(string(c.Provider), c.Account, c.WindowLabel)
}

// BucketKey joins a (provider, account, windowLabel) triple into the
// canonical key shape used throughout cooldowns and logs.
func BucketKey(provider, account, windowLabel string) string {
	return provider + "|" + account + "|" + windowLabel
}

// WildcardCooldownKey returns the provider-wildcard cooldown key for a
// (provider, account) pair, used on 429 observations.
func WildcardCooldownKey(provider, account string) string {
	return BucketKey(provider, account, "*")
}

// ModelRef identifies a concrete model the host can select.
type ModelRef struct {
	Provider string `json:"provider" yaml:"provider"`
	ID       string `json:"id" yaml:"id"`
}

// ResolvedModel is a UsageBucket -> model mapping outcome carrying an
// optional reserve threshold.
type ResolvedModel struct {
	Model   ModelRef `json:"model"`
	Reserve int      `json:"reserve,omitempty"`
}

// UsageSelector identifies which buckets a MappingEntry applies to.
type UsageSelector struct {
	Provider      string `yaml:"provider" json:"provider"`
	Account       string `yaml:"account,omitempty" json:"account,omitempty"`
	Window        string `yaml:"window,omitempty" json:"window,omitempty"`
	WindowPattern string `yaml:"windowPattern,omitempty" json:"windowPattern,omitempty"`
}

// MappingEntry is a single user rule. Exactly one of Model,
// Ignore, Combine is meaningful per entry; Reserve only applies with Model.
type MappingEntry struct {
	Usage   UsageSelector `yaml:"usage" json:"usage"`
	Model   *ModelRef     `yaml:"model,omitempty" json:"model,omitempty"`
	Reserve int           `yaml:"reserve,omitempty" json:"reserve,omitempty"`
	Ignore  bool          `yaml:"ignore,omitempty" json:"ignore,omitempty"`
	Combine string        `yaml:"combine,omitempty" json:"combine,omitempty"`
}

// FallbackEntry is the last-resort model, optionally exempt from locking.
type FallbackEntry struct {
	Model ModelRef `yaml:"model" json:"model"`
	Lock  *bool    `yaml:"lock,omitempty" json:"lock,omitempty"`
}

// LockRequired reports whether the fallback participates in model locking.
// Defaults to true when unset.
func (f *FallbackEntry) LockRequired() bool {
	if f == nil || f.Lock == nil {
		return true
	}
	return *f.Lock
}

// LoadedConfig is the immutable per-selection snapshot of user
// configuration. The host is responsible for producing this
// value (JSON/YAML file I/O is an explicit Non-goal); we only define and
// consume the shape.
type LoadedConfig struct {
	Mappings          []MappingEntry `yaml:"mappings" json:"mappings"`
	Priority          []string       `yaml:"priority,omitempty" json:"priority,omitempty"`
	DisabledProviders []string       `yaml:"disabledProviders,omitempty" json:"disabledProviders,omitempty"`
	Fallback          *FallbackEntry `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	DebugLog          string         `yaml:"debugLog,omitempty" json:"debugLog,omitempty"`
}

// DefaultPriority is the priority-key order used when LoadedConfig.Priority
// is empty.
var DefaultPriority = []string{"fullAvailability", "earliestReset", "remainingPercent"}

// EffectivePriority returns c.Priority, or DefaultPriority if unset.
func (c *LoadedConfig) EffectivePriority() []string {
	if len(c.Priority) == 0 {
		return DefaultPriority
	}
	return c.Priority
}

// Cooldown is one persisted "key -> expiresAt" entry.
type Cooldown struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ModelLock is the on-disk record for an advisory cross-process lock.
// Lock name is "provider/modelId"; JSON field names match the on-disk
// layout exactly, since other instances read this file directly.
type ModelLock struct {
	InstanceID  string    `json:"instanceId"`
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// LockKey returns the "provider/modelId" lock name for a model ref.
func LockKey(m ModelRef) string {
	return m.Provider + "/" + m.ID
}
