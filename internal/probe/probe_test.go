package probe

import (
	"testing"

	"github.com/pi-agent/model-selector/internal/model"
)

func windowByLabel(t *testing.T, snap model.UsageSnapshot, label string) model.RateWindow {
	t.Helper()
	for _, w := range snap.Windows {
		if w.Label == label {
			return w
		}
	}
	t.Fatalf("no window labeled %q in %+v", label, snap.Windows)
	return model.RateWindow{}
}

// Claude's model-specific windows (Sonnet/Opus) take the max of their own
// utilization and the global 5h utilization -- a burst on the shared window
// must show up on every per-model window too.
func TestNormalizeClaudeUsagePessimisticMerge(t *testing.T) {
	body := []byte(`{
		"five_hour": {"utilization": 0.80, "resets_at": "2026-07-31T12:00:00Z"},
		"seven_day": {"utilization": 0.10, "resets_at": "2026-08-06T00:00:00Z"},
		"seven_day_sonnet": {"utilization": 0.20, "resets_at": "2026-07-31T10:00:00Z"}
	}`)

	snap := normalizeClaudeUsage(body)

	sonnet := windowByLabel(t, snap, "Sonnet")
	if sonnet.UsedPercent != 80 {
		t.Fatalf("expected Sonnet lifted to the global 80%%, got %v", sonnet.UsedPercent)
	}
	// the later of the two resets wins: 5h resets at 12:00, model window at 10:00.
	if sonnet.ResetsAt == nil || sonnet.ResetsAt.Hour() != 12 {
		t.Fatalf("expected Sonnet reset to take the later (global) reset, got %v", sonnet.ResetsAt)
	}

	fiveHour := windowByLabel(t, snap, "5h")
	if fiveHour.UsedPercent != 80 {
		t.Fatalf("expected raw 5h window at 80%%, got %v", fiveHour.UsedPercent)
	}
	week := windowByLabel(t, snap, "Week")
	if week.UsedPercent != 10 {
		t.Fatalf("expected raw Week window at 10%%, got %v", week.UsedPercent)
	}

	for _, label := range []string{"Opus", "Shared"} {
		for _, w := range snap.Windows {
			if w.Label == label {
				t.Fatalf("did not expect a %q window when only Sonnet is reported", label)
			}
		}
	}
}

// When Claude reports no per-model window at all, the global 5h window is
// surfaced as a single "Shared" window instead of being dropped.
func TestNormalizeClaudeUsageFallsBackToSharedWindow(t *testing.T) {
	body := []byte(`{"five_hour": {"utilization": 0.42}}`)

	snap := normalizeClaudeUsage(body)

	shared := windowByLabel(t, snap, "Shared")
	if shared.UsedPercent != 42 {
		t.Fatalf("expected Shared window at 42%%, got %v", shared.UsedPercent)
	}
	for _, label := range []string{"Sonnet", "Opus"} {
		for _, w := range snap.Windows {
			if w.Label == label {
				t.Fatalf("did not expect a %q window with no per-model data", label)
			}
		}
	}
}

// The model-specific window's own utilization wins when it is the worse of
// the two -- pessimistic merge takes the max, not always the global one.
func TestNormalizeClaudeUsageModelWindowCanWin(t *testing.T) {
	body := []byte(`{
		"five_hour": {"utilization": 0.10},
		"seven_day_opus": {"utilization": 0.95}
	}`)

	snap := normalizeClaudeUsage(body)

	opus := windowByLabel(t, snap, "Opus")
	if opus.UsedPercent != 95 {
		t.Fatalf("expected Opus's own 95%% to win over the lower global, got %v", opus.UsedPercent)
	}
}

// Antigravity groups raw model ids into three display buckets and, within a
// group, keeps the worst (lowest remaining fraction) of however many raw
// models share that prefix.
func TestNormalizeAntigravityGroupPessimism(t *testing.T) {
	body := []byte(`{"models": [
		{"id": "claude-sonnet-4", "remainingFraction": 0.9},
		{"id": "claude-opus-4", "remainingFraction": 0.3},
		{"id": "g3-pro-1.5", "remainingFraction": 0.6},
		{"id": "g3-flash-1.5", "remainingFraction": 1.0},
		{"id": "unknown-model-x", "remainingFraction": 1.0}
	]}`)

	snap := normalizeAntigravity(body)

	claude := windowByLabel(t, snap, "Claude")
	if claude.UsedPercent != 70 {
		t.Fatalf("expected Claude group pessimism (worst of 0.9/0.3 remaining -> 70%% used), got %v", claude.UsedPercent)
	}
	g3pro := windowByLabel(t, snap, "G3 Pro")
	if g3pro.UsedPercent != 40 {
		t.Fatalf("expected G3 Pro at 40%% used, got %v", g3pro.UsedPercent)
	}
	g3flash := windowByLabel(t, snap, "G3 Flash")
	if g3flash.UsedPercent != 0 {
		t.Fatalf("expected G3 Flash fully available, got %v", g3flash.UsedPercent)
	}
	if len(snap.Windows) != 3 {
		t.Fatalf("expected exactly 3 grouped windows (unrecognized ids dropped), got %d: %+v", len(snap.Windows), snap.Windows)
	}
}

func TestNormalizeAntigravityIgnoresUnrecognizedModelIDs(t *testing.T) {
	body := []byte(`{"models": [{"id": "some-future-model", "remainingFraction": 0.5}]}`)

	snap := normalizeAntigravity(body)

	if len(snap.Windows) != 0 {
		t.Fatalf("expected no windows for an unrecognized model family, got %+v", snap.Windows)
	}
}

func TestNormalizeCopilotUsagePremiumAndChat(t *testing.T) {
	body := []byte(`{"quota_snapshots": {
		"premium_interactions": {"percent_remaining": 25},
		"chat": {"percent_remaining": 60, "unlimited": false}
	}}`)

	snap := normalizeCopilotUsage(body)

	premium := windowByLabel(t, snap, "Premium")
	if premium.UsedPercent != 75 {
		t.Fatalf("expected Premium used = 100-25 = 75, got %v", premium.UsedPercent)
	}
	chat := windowByLabel(t, snap, "Chat")
	if chat.UsedPercent != 40 {
		t.Fatalf("expected Chat used = 100-60 = 40, got %v", chat.UsedPercent)
	}
}

// An unlimited chat window never produces a Chat candidate -- there is no
// rate limit to rank it against.
func TestNormalizeCopilotUsageUnlimitedChatIsDropped(t *testing.T) {
	body := []byte(`{"quota_snapshots": {"chat": {"percent_remaining": 10, "unlimited": true}}}`)

	snap := normalizeCopilotUsage(body)

	for _, w := range snap.Windows {
		if w.Label == "Chat" {
			t.Fatalf("did not expect a Chat window when the plan reports unlimited chat")
		}
	}
}

// Copilot can fan out to several GitHub tokens (multiple logged-in
// accounts); dedupeByKey collapses the results to one candidate per login
// and drops a same-account error once a success for that account exists.
func TestDedupeByKeyCopilotMultiAccountDedup(t *testing.T) {
	snaps := []model.UsageSnapshot{
		errorSnapshot(model.ProviderCopilot, "Copilot", "alice", "Unauthorized"),
		{Provider: model.ProviderCopilot, DisplayName: "Copilot", Account: "alice",
			Windows: []model.RateWindow{{Label: "Premium", UsedPercent: 20}}},
		{Provider: model.ProviderCopilot, DisplayName: "Copilot", Account: "bob",
			Windows: []model.RateWindow{{Label: "Premium", UsedPercent: 50}}},
	}

	out := dedupeByKey(snaps, func(s model.UsageSnapshot) string {
		if s.Account != "" {
			return s.Account
		}
		return s.Error
	})

	if len(out) != 2 {
		t.Fatalf("expected alice's stale error to be suppressed by her success, leaving 2 entries, got %d: %+v", len(out), out)
	}
	accounts := map[string]bool{}
	for _, s := range out {
		accounts[s.Account] = true
		if s.Error != "" {
			t.Fatalf("did not expect any surviving error snapshot, got %+v", s)
		}
	}
	if !accounts["alice"] || !accounts["bob"] {
		t.Fatalf("expected both alice and bob to survive dedup, got %+v", out)
	}
}

// A lone discovery-source-tagged error (no account identity at all) is
// suppressed once exactly one real account has succeeded, per the
// "anonymous error" suppression rule.
func TestDedupeByKeySuppressesAnonymousErrorWhenOneIdentitySucceeds(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderCopilot, Account: "alice",
			Windows: []model.RateWindow{{Label: "Premium", UsedPercent: 10}}},
		errorSnapshot(model.ProviderCopilot, "Copilot", "discovery", "No credentials"),
	}

	out := dedupeByKey(snaps, func(s model.UsageSnapshot) string {
		if s.Account != "" {
			return s.Account
		}
		return s.Error
	})

	if len(out) != 1 || out[0].Account != "alice" {
		t.Fatalf("expected only alice's success to survive, got %+v", out)
	}
}

// Two distinct, non-overlapping errors are both kept -- dedup never
// collapses unrelated failures into one.
func TestDedupeByKeyKeepsDistinctErrors(t *testing.T) {
	snaps := []model.UsageSnapshot{
		errorSnapshot(model.ProviderCopilot, "Copilot", "alice", "Unauthorized"),
		errorSnapshot(model.ProviderCopilot, "Copilot", "bob", "Unauthorized"),
	}

	out := dedupeByKey(snaps, func(s model.UsageSnapshot) string { return s.Account })

	if len(out) != 2 {
		t.Fatalf("expected both distinct-account errors to survive, got %d: %+v", len(out), out)
	}
}

func TestSortSuccessFirstIsStableAmongEquals(t *testing.T) {
	snaps := []model.UsageSnapshot{
		errorSnapshot(model.ProviderCopilot, "Copilot", "first-error", "boom"),
		{Account: "first-success"},
		errorSnapshot(model.ProviderCopilot, "Copilot", "second-error", "boom"),
		{Account: "second-success"},
	}

	out := sortSuccessFirst(snaps)

	if out[0].Account != "first-success" || out[1].Account != "second-success" {
		t.Fatalf("expected successes first, in original order, got %+v", out)
	}
	if out[2].Account != "first-error" || out[3].Account != "second-error" {
		t.Fatalf("expected errors last, in original order, got %+v", out)
	}
}

func TestClampWindowsEnforcesZeroToHundred(t *testing.T) {
	snap := model.UsageSnapshot{Windows: []model.RateWindow{
		{Label: "over", UsedPercent: 142},
		{Label: "under", UsedPercent: -5},
	}}

	clampWindows(&snap)

	if snap.Windows[0].UsedPercent != 100 {
		t.Fatalf("expected over-100 to clamp to 100, got %v", snap.Windows[0].UsedPercent)
	}
	if snap.Windows[1].UsedPercent != 0 {
		t.Fatalf("expected negative to clamp to 0, got %v", snap.Windows[1].UsedPercent)
	}
}

func TestAttemptedTokensPreventsRefreshLoop(t *testing.T) {
	a := newAttemptedTokens()

	if a.tryMark("tok-1") {
		t.Fatal("expected the first mark of a token to report not-already-tried")
	}
	if !a.tryMark("tok-1") {
		t.Fatal("expected a repeat mark of the same token to report already-tried")
	}
	if a.tryMark("tok-2") {
		t.Fatal("expected a distinct token to be untried")
	}
}

func TestErrorAndAccessSnapshotShapes(t *testing.T) {
	errSnap := errorSnapshot(model.ProviderAnthropic, "Claude", "discovery", "No credentials")
	if errSnap.Error != "No credentials" || len(errSnap.Windows) != 0 {
		t.Fatalf("expected an error snapshot with no windows, got %+v", errSnap)
	}

	accSnap := accessSnapshot(model.ProviderCopilot, "Copilot", "alice")
	if accSnap.Error != "" {
		t.Fatalf("expected an access snapshot to carry no error, got %+v", accSnap)
	}
	w := windowByLabel(t, accSnap, model.AccessWindowLabel)
	if !w.Synthetic || w.UsedPercent != 0 {
		t.Fatalf("expected a synthetic, zero-used Access window, got %+v", w)
	}
}
