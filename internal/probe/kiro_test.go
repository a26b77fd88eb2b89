package probe

import (
	"testing"
	"time"
)

func mustUTCDate(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// The literal worked example: "resets on 10/11" observed on 2026-01-01.
// Candidates are Oct 11 2025 (82d past), Nov 10 2025 (52d past), Oct 11
// 2026 (283d future), Nov 10 2026 (313d future) -- plus the 2027 pair, far
// enough away to never win. The globally-closest candidate (Nov 10 2025,
// 52 days past) is stale, so the answer must be the nearest *future* date,
// Oct 11 2026, not Nov 10 2025 rolled forward a year (which would wrongly
// land on Nov 10 2026).
func TestResolveKiroDateNearestFutureAfterStaleGloballyClosest(t *testing.T) {
	now := mustUTCDate(2026, 1, 1)

	got, ok := resolveKiroDate(10, 11, now)
	if !ok {
		t.Fatal("expected a resolved date")
	}
	want := mustUTCDate(2026, 10, 11)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

// When the globally-closest candidate is already in the future (or within
// the 7-day-past grace window), it wins outright with no re-minimization.
func TestResolveKiroDateClosestCandidateWinsWhenNotStale(t *testing.T) {
	now := mustUTCDate(2026, 3, 1)

	got, ok := resolveKiroDate(3, 15, now)
	if !ok {
		t.Fatal("expected a resolved date")
	}
	want := mustUTCDate(2026, 3, 15)
	if !got.Equal(want) {
		t.Fatalf("expected the imminent %v, got %v", want, got)
	}
}

// A reset date a couple of days in the past (within the 7-day grace
// window) is accepted as-is rather than rolled forward -- it's recent
// enough to be "just passed", not stale.
func TestResolveKiroDateRecentPastWithinGraceWindowIsKept(t *testing.T) {
	now := mustUTCDate(2026, 6, 10)

	got, ok := resolveKiroDate(6, 8, now)
	if !ok {
		t.Fatal("expected a resolved date")
	}
	want := mustUTCDate(2026, 6, 8)
	if !got.Equal(want) {
		t.Fatalf("expected the recent %v to be kept as-is, got %v", want, got)
	}
}

func TestResolveKiroDateRejectsInvalidMonthDay(t *testing.T) {
	if _, ok := resolveKiroDate(40, 99, mustUTCDate(2026, 1, 1)); ok {
		t.Fatal("expected no resolvable date for an out-of-range month/day pair")
	}
}

func TestKiroQuotaPercentParsesDirectPercentage(t *testing.T) {
	m := []string{"", "Progress", "42", "", ""}
	if got := kiroQuotaPercent(m); got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}

func TestKiroQuotaPercentComputesFractionFromCounts(t *testing.T) {
	m := []string{"", "Usage", "", "3", "10"}
	if got := kiroQuotaPercent(m); got != 30 {
		t.Fatalf("expected 30 (3/10 * 100), got %v", got)
	}
}

func TestKiroQuotaPercentZeroDenominatorIsZero(t *testing.T) {
	m := []string{"", "Usage", "", "3", "0"}
	if got := kiroQuotaPercent(m); got != 0 {
		t.Fatalf("expected 0 when the denominator is 0, got %v", got)
	}
}

func TestNormalizeKiroOutputParsesLabelsAndResetDates(t *testing.T) {
	now := mustUTCDate(2026, 1, 1)
	raw := "Progress: 42%\n(resets on 10/11)\nBonus Credits: 7/10\n(expires in 5d)\n"

	snap := normalizeKiroOutput(raw, now)

	if len(snap.Windows) != 2 {
		t.Fatalf("expected 2 windows, got %d: %+v", len(snap.Windows), snap.Windows)
	}
	progress := windowByLabel(t, snap, "Progress")
	if progress.UsedPercent != 42 {
		t.Fatalf("expected Progress at 42%%, got %v", progress.UsedPercent)
	}
	if progress.ResetsAt == nil || !progress.ResetsAt.Equal(mustUTCDate(2026, 10, 11)) {
		t.Fatalf("expected Progress to reset on 2026-10-11, got %v", progress.ResetsAt)
	}

	bonus := windowByLabel(t, snap, "Bonus")
	if bonus.UsedPercent != 70 {
		t.Fatalf("expected Bonus at 70%% (7/10), got %v", bonus.UsedPercent)
	}
	wantExpiry := now.AddDate(0, 0, 5)
	if bonus.ResetsAt == nil || !bonus.ResetsAt.Equal(wantExpiry) {
		t.Fatalf("expected Bonus to expire at %v, got %v", wantExpiry, bonus.ResetsAt)
	}
}

func TestNormalizeKiroOutputStripsANSIEscapes(t *testing.T) {
	raw := "\x1b[32mProgress: 10%\x1b[0m\n"
	snap := normalizeKiroOutput(raw, mustUTCDate(2026, 1, 1))

	progress := windowByLabel(t, snap, "Progress")
	if progress.UsedPercent != 10 {
		t.Fatalf("expected ANSI-stripped parsing to find Progress at 10%%, got %+v", snap.Windows)
	}
}

func TestNormalizeKiroOutputNoQuotaLinesYieldsNoWindows(t *testing.T) {
	snap := normalizeKiroOutput("kiro-cli: nothing to report\n", mustUTCDate(2026, 1, 1))
	if len(snap.Windows) != 0 {
		t.Fatalf("expected no windows for output with no quota lines, got %+v", snap.Windows)
	}
}

func TestCapitalize(t *testing.T) {
	cases := map[string]string{"": "", "progress": "Progress", "a": "A"}
	for in, want := range cases {
		if got := capitalize(in); got != want {
			t.Fatalf("capitalize(%q) = %q, want %q", in, got, want)
		}
	}
}
