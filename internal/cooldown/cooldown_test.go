package cooldown

import (
	"sync"
	"testing"
	"time"

	"github.com/pi-agent/model-selector/internal/model"
)

func TestSetOrExtendProviderCooldownIsMonotonic(t *testing.T) {
	m := New(t.TempDir())
	now := time.Now()

	if !m.SetOrExtendProviderCooldown("anthropic", "auth.json", now) {
		t.Fatal("first observation should change the stored expiry")
	}
	first := m.cooldowns[model.WildcardCooldownKey("anthropic", "auth.json")]

	// A second, earlier-appearing observation must never shrink the expiry.
	earlier := now.Add(-30 * time.Minute)
	if m.SetOrExtendProviderCooldown("anthropic", "auth.json", earlier) {
		t.Fatal("an earlier observation must not report a change")
	}
	if got := m.cooldowns[model.WildcardCooldownKey("anthropic", "auth.json")]; !got.Equal(first) {
		t.Fatalf("expiry shrank: had %v, got %v", first, got)
	}

	later := now.Add(10 * time.Minute)
	if !m.SetOrExtendProviderCooldown("anthropic", "auth.json", later) {
		t.Fatal("a later observation should extend the expiry")
	}
	if got := m.cooldowns[model.WildcardCooldownKey("anthropic", "auth.json")]; !got.After(first) {
		t.Fatalf("expected extension past %v, got %v", first, got)
	}
}

func TestIsOnCooldownIgnoresIgnoredCandidates(t *testing.T) {
	m := New(t.TempDir())
	now := time.Now()
	m.SetOrExtendProviderCooldown("anthropic", "auth.json", now)

	c := model.UsageCandidate{Provider: model.ProviderAnthropic, Account: "auth.json", WindowLabel: "5h", Ignored: true}
	if m.IsOnCooldown(c, now) {
		t.Fatal("an ignored candidate must never report on-cooldown")
	}

	c.Ignored = false
	if !m.IsOnCooldown(c, now) {
		t.Fatal("expected wildcard cooldown to match the candidate's provider/account")
	}
}

func TestPersistAndLoadRoundTripsExactly(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	now := time.Now().Truncate(time.Millisecond)
	m.SetOrExtendProviderCooldown("codex", "a@b.com", now.Add(-2*time.Hour)) // already expired
	m.SetOrExtendProviderCooldown("gemini", "proj-1", now.Add(time.Hour))
	m.SetLastSelectedKey("gemini|proj-1|Daily")

	if err := m.PersistCooldowns(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	loaded := New(dir)
	if err := loaded.LoadPersistedCooldowns(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.cooldowns) != 2 {
		t.Fatalf("expected both entries retained on load (expired included), got %d", len(loaded.cooldowns))
	}
	if loaded.LastSelectedKey() != "gemini|proj-1|Daily" {
		t.Fatalf("lastSelected not preserved: %q", loaded.LastSelectedKey())
	}
}

func TestPruneExpiredCooldownsRemovesOnlyPast(t *testing.T) {
	m := New(t.TempDir())
	now := time.Now()
	m.SetOrExtendProviderCooldown("kiro", "acct", now.Add(-time.Minute))
	m.SetOrExtendProviderCooldown("zai", "acct", now.Add(time.Minute))

	m.PruneExpiredCooldowns(now)

	if len(m.cooldowns) != 1 {
		t.Fatalf("expected exactly one survivor, got %d", len(m.cooldowns))
	}
	if _, ok := m.cooldowns[model.WildcardCooldownKey("zai", "acct")]; !ok {
		t.Fatal("the still-active cooldown should have survived pruning")
	}
}

func TestClearWipesEverything(t *testing.T) {
	m := New(t.TempDir())
	now := time.Now()
	m.SetOrExtendProviderCooldown("anthropic", "a", now.Add(time.Hour))
	m.Clear()
	if len(m.cooldowns) != 0 {
		t.Fatal("Clear should remove every entry")
	}
}

// TestConcurrentCooldownUpdates mirrors the concurrent
// propagation/clear race tests: many goroutines hammering the same key
// must never panic or corrupt the map, and the result must stay a valid
// monotonic cooldown.
func TestConcurrentCooldownUpdates(t *testing.T) {
	m := New(t.TempDir())
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.SetOrExtendProviderCooldown("anthropic", "auth.json", now.Add(time.Duration(n)*time.Second))
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.IsOnCooldown(model.UsageCandidate{Provider: model.ProviderAnthropic, Account: "auth.json"}, now)
		}()
	}
	wg.Wait()

	exp, ok := m.cooldowns[model.WildcardCooldownKey("anthropic", "auth.json")]
	if !ok {
		t.Fatal("expected a surviving cooldown entry")
	}
	if !exp.After(now) {
		t.Fatalf("expected a future expiry, got %v relative to now %v", exp, now)
	}
}

func TestIsRateLimitError(t *testing.T) {
	cases := map[string]bool{
		"HTTP 429":           true,
		"rate limited (429)": true,
		"Unauthorized":       false,
		"Timeout":            false,
	}
	for msg, want := range cases {
		if got := IsRateLimitError(msg); got != want {
			t.Errorf("IsRateLimitError(%q) = %v, want %v", msg, got, want)
		}
	}
}
