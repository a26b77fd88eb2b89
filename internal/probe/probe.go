// Package probe implements the seven provider probes:
// discover credentials -> fetch with timeout -> parse/normalize -> emit
// snapshot(s). Every probe shares the skeleton defined here; provider
// files only supply discovery + normalization.
package probe

import (
	"context"
	"time"

	"github.com/pi-agent/model-selector/internal/config"
	"github.com/pi-agent/model-selector/internal/host"
	"github.com/pi-agent/model-selector/internal/model"
)

// Provider HTTP calls only ever return a Go error for a genuine transport
// failure (see Client.Do) -- auth/rate-limit/protocol outcomes are
// inline HTTP-status branches, never errors -- so the default
// "nil error is successful" breaker policy is exactly right here and is
// left unoverridden.

// Probe is the common contract every one of the seven providers
// implements.
type Probe interface {
	// ID is the provider enum value this probe produces snapshots for.
	ID() model.Provider
	// Fetch returns one or more snapshots within the per-call deadline.
	// It never panics or returns a Go error for provider-side failures --
	// those are represented as Snapshot.Error.
	Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot
}

// Deps bundles the read-only inputs every probe needs: the host's
// authStore handle and the parsed piAuth map.
type Deps struct {
	AuthStore host.AuthStorage
	PiAuth    map[string]any
	// HomeDir is the agent home directory, used to locate on-disk
	// credential files (~/.gemini, ~/.codex, the dotenv file).
	HomeDir string
}

// WithCallDeadline wraps ctx with the per-call deadline
// (10000ms), returning the derived context and its cancel func.
func WithCallDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.ProbeCallDeadline)
}

// errorSnapshot builds the {error set, windows empty} shape
// required for a failed probe call, tagging Account with the discovery
// source so the user can tell which credential failed.
func errorSnapshot(p model.Provider, displayName, sourceTag, message string) model.UsageSnapshot {
	return model.UsageSnapshot{
		Provider:    p,
		DisplayName: displayName,
		Account:     sourceTag,
		Error:       message,
	}
}

// accessSnapshot builds the {error unset, synthetic Access window} shape
// used when a credential is known-alive but quota is unreadable.
func accessSnapshot(p model.Provider, displayName, account string) model.UsageSnapshot {
	return model.UsageSnapshot{
		Provider:    p,
		DisplayName: displayName,
		Account:     account,
		Windows: []model.RateWindow{
			{Label: model.AccessWindowLabel, UsedPercent: 0, Synthetic: true},
		},
	}
}

// clampWindows enforces the usedPercent clamp invariant across every
// window of s before it leaves the probe boundary.
func clampWindows(s *model.UsageSnapshot) {
	for i := range s.Windows {
		s.Windows[i].ClampUsedPercent()
	}
}

// sortSuccessFirst implements the multi-account ordering rule:
// "Sort by (error? 1 : 0) so successes come first", stable so registration
// / discovery order is preserved among equals.
func sortSuccessFirst(snaps []model.UsageSnapshot) []model.UsageSnapshot {
	out := append([]model.UsageSnapshot(nil), snaps...)
	stableSortBy(out, func(s model.UsageSnapshot) int {
		if s.Error != "" {
			return 1
		}
		return 0
	})
	return out
}

func stableSortBy(snaps []model.UsageSnapshot, key func(model.UsageSnapshot) int) {
	// insertion sort: stable, fine for the small (<=dozen) account lists
	// probes ever produce, and mirrors the SortByScore style.
	for i := 1; i < len(snaps); i++ {
		j := i
		for j > 0 && key(snaps[j-1]) > key(snaps[j]) {
			snaps[j-1], snaps[j] = snaps[j], snaps[j-1]
			j--
		}
	}
}

// dedupeByKey applies the error-suppression + identity-dedup rule:
// sort successes first, then keep the first snapshot seen per keyFn
// result, dropping same-account error snapshots once a success exists, and
// dropping "anonymous" (discovery-source-tagged) errors when exactly one
// real identity succeeded.
func dedupeByKey(snaps []model.UsageSnapshot, keyFn func(model.UsageSnapshot) string) []model.UsageSnapshot {
	ordered := sortSuccessFirst(snaps)
	seen := map[string]bool{}
	successCount := 0
	for _, s := range ordered {
		if s.Error == "" {
			successCount++
		}
	}
	var out []model.UsageSnapshot
	for _, s := range ordered {
		k := keyFn(s)
		if s.Error != "" {
			if seen[k] {
				continue // same-account error suppressed by an earlier success
			}
			if successCount == 1 && looksLikeSourceTag(s.Account) {
				continue // anonymous error suppressed when one identity succeeded
			}
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func looksLikeSourceTag(account string) bool {
	for _, prefix := range []string{"env:", "file:", "piAuth:", "authStore:", "cli:"} {
		if len(account) >= len(prefix) && account[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// attemptedTokens tracks tokens already tried within one probe call to
// prevent refresh loops.
type attemptedTokens struct {
	seen map[string]bool
}

func newAttemptedTokens() *attemptedTokens { return &attemptedTokens{seen: map[string]bool{}} }

func (a *attemptedTokens) tryMark(token string) bool {
	if token == "" {
		return false
	}
	if a.seen[token] {
		return true
	}
	a.seen[token] = true
	return false
}

// now is overridable in tests needing deterministic timestamps.
var now = time.Now

// sortWindowsByLabel gives map-derived window lists (Gemini's per-family
// bucketing) a deterministic, testable order.
func sortWindowsByLabel(windows []model.RateWindow) {
	for i := 1; i < len(windows); i++ {
		j := i
		for j > 0 && windows[j-1].Label > windows[j].Label {
			windows[j-1], windows[j] = windows[j], windows[j-1]
			j--
		}
	}
}
