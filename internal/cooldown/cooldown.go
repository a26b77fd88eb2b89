// Package cooldown implements the cooldown manager: a
// persisted "key -> expiresAt" map driven by 429 observations, with an
// atomic write-then-rename persistence style adapted from the
// store.SyncManifest.Save.
package cooldown

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pi-agent/model-selector/internal/jsonutil"
	"github.com/pi-agent/model-selector/internal/model"
)

// FileName is the cooldown state file name under the agent home directory.
const FileName = "model-selector-cooldowns.json"

// persistedState is the on-disk JSON shape: epoch-millisecond
// expiries, not RFC3339, and a lastSelected pointer.
type persistedState struct {
	Cooldowns    map[string]int64 `json:"cooldowns"`
	LastSelected *string          `json:"lastSelected"`
}

// Manager holds the in-memory cooldown map for one agent home directory.
// A single process holds a Manager per home dir; concurrent processes each
// do full-file rewrites, so "last writer wins" is the intended cross-process
// semantics.
type Manager struct {
	mu           sync.Mutex
	path         string
	cooldowns    map[string]time.Time
	lastSelected *string
}

// New builds a Manager whose state file lives under homeDir.
func New(homeDir string) *Manager {
	return &Manager{path: filepath.Join(homeDir, FileName), cooldowns: map[string]time.Time{}}
}

// LoadPersistedCooldowns reads the state file, retaining every entry
// including already-expired ones. A missing or corrupt file yields an empty state
// rather than an error, mirroring LoadManifest's tolerance.
func (m *Manager) LoadPersistedCooldowns() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var st persistedState
	if err := jsonutil.Unmarshal(data, &st); err != nil {
		return nil // corrupt file treated as empty state, not a fatal error
	}
	m.cooldowns = map[string]time.Time{}
	for k, ms := range st.Cooldowns {
		m.cooldowns[k] = time.UnixMilli(ms)
	}
	m.lastSelected = st.LastSelected
	return nil
}

// PruneExpiredCooldowns removes every entry with expiresAt <= now.
func (m *Manager) PruneExpiredCooldowns(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, exp := range m.cooldowns {
		if !exp.After(now) {
			delete(m.cooldowns, k)
		}
	}
}

// IsOnCooldown reports whether c's exact bucket key or its provider-wildcard
// key is on an unexpired cooldown. A candidate whose mapping marks it
// Ignored never triggers this check -- the vestigial bucket-cooldown key shape
// (exact key, never set by 429 handling today) is still honored here,
// even though nothing currently writes it.
func (m *Manager) IsOnCooldown(c model.UsageCandidate, now time.Time) bool {
	if c.Ignored {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.cooldowns[c.Key()]; ok && exp.After(now) {
		return true
	}
	if exp, ok := m.cooldowns[model.WildcardCooldownKey(string(c.Provider), c.Account)]; ok && exp.After(now) {
		return true
	}
	return false
}

// SetOrExtendProviderCooldown applies a 429 observation: a fresh
// 1-hour wildcard cooldown, or -- if one is already active -- the later of
// the current and new expiry. Returns true if the stored expiry actually changed.
func (m *Manager) SetOrExtendProviderCooldown(provider, account string, now time.Time) bool {
	key := model.WildcardCooldownKey(provider, account)
	newExpiry := now.Add(time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.cooldowns[key]; ok && !newExpiry.After(current) {
		return false
	}
	m.cooldowns[key] = newExpiry
	return true
}

// Clear wipes every cooldown entry, used as a last resort when cooldowns
// block every candidate.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns = map[string]time.Time{}
}

// SetLastSelectedKey records the bucket key returned by the last successful
// selection, so the host can prefer reusing it next time.
func (m *Manager) SetLastSelectedKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key
	m.lastSelected = &k
}

// LastSelectedKey returns the remembered key, or "" if none.
func (m *Manager) LastSelectedKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSelected == nil {
		return ""
	}
	return *m.lastSelected
}

// PersistCooldowns atomically rewrites the state file (write-to-temp,
// rename), the same pattern SyncManifest.Save uses.
func (m *Manager) PersistCooldowns() error {
	m.mu.Lock()
	st := persistedState{Cooldowns: map[string]int64{}, LastSelected: m.lastSelected}
	for k, exp := range m.cooldowns {
		st.Cooldowns[k] = exp.UnixMilli()
	}
	m.mu.Unlock()

	data, err := jsonutil.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// IsRateLimitError reports whether an error string represents an HTTP 429
// observation.
func IsRateLimitError(errMsg string) bool {
	return strings.Contains(errMsg, "429")
}

// Entry is one cooldown row as shown by the debug CLI
// (`selectorctl cooldowns`).
type Entry struct {
	Key       string
	ExpiresAt time.Time
}

// Snapshot returns every currently-held cooldown entry, expired or not, for
// display purposes.
func (m *Manager) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.cooldowns))
	for k, exp := range m.cooldowns {
		out = append(out, Entry{Key: k, ExpiresAt: exp})
	}
	return out
}
