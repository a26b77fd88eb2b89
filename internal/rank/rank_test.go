package rank

import (
	"testing"
	"time"

	"github.com/pi-agent/model-selector/internal/model"
)

func TestOrderPrefersFullAvailability(t *testing.T) {
	in := []model.UsageCandidate{
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 0, RemainingPercent: 100},
		{Provider: "gemini", WindowLabel: "Daily", UsedPercent: 10, RemainingPercent: 90},
	}
	out := Order(in, nil)
	if out[0].Provider != "anthropic" {
		t.Fatalf("expected the fully-available candidate first, got %+v", out[0])
	}
}

func TestOrderFallsBackToRemainingPercentThenEarliestReset(t *testing.T) {
	soon := time.Now().Add(time.Hour)
	later := time.Now().Add(2 * time.Hour)
	in := []model.UsageCandidate{
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 50, RemainingPercent: 50, ResetsAt: &later},
		{Provider: "gemini", WindowLabel: "Daily", UsedPercent: 50, RemainingPercent: 50, ResetsAt: &soon},
	}
	out := Order(in, nil)
	if out[0].Provider != "gemini" {
		t.Fatalf("expected the candidate with the earlier reset to win a remainingPercent tie, got %+v", out[0])
	}
}

func TestOrderTreatsMissingResetAsDistantFuture(t *testing.T) {
	soon := time.Now().Add(time.Hour)
	in := []model.UsageCandidate{
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 50, RemainingPercent: 50, ResetsAt: nil},
		{Provider: "gemini", WindowLabel: "Daily", UsedPercent: 50, RemainingPercent: 50, ResetsAt: &soon},
	}
	out := Order(in, nil)
	if out[0].Provider != "gemini" {
		t.Fatalf("expected the known reset time to beat an unknown one, got %+v", out[0])
	}
}

func TestOrderTiebreaksDeterministicallyOnProviderAndWindow(t *testing.T) {
	in := []model.UsageCandidate{
		{Provider: "gemini", WindowLabel: "Daily", UsedPercent: 0, RemainingPercent: 100},
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 0, RemainingPercent: 100},
		{Provider: "anthropic", WindowLabel: "Week", UsedPercent: 0, RemainingPercent: 100},
	}
	out := Order(in, nil)
	if out[0].Provider != "anthropic" || out[0].WindowLabel != "5h" {
		t.Fatalf("expected (anthropic,5h) first lexicographically, got %+v", out[0])
	}
	if out[1].Provider != "anthropic" || out[1].WindowLabel != "Week" {
		t.Fatalf("expected (anthropic,Week) second, got %+v", out[1])
	}
	if out[2].Provider != "gemini" {
		t.Fatalf("expected gemini last, got %+v", out[2])
	}
}

func TestOrderIsATotalOrderUnderCustomPriority(t *testing.T) {
	in := []model.UsageCandidate{
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 10, RemainingPercent: 90},
		{Provider: "gemini", WindowLabel: "Daily", UsedPercent: 10, RemainingPercent: 90},
		{Provider: "openai", WindowLabel: "5h", UsedPercent: 10, RemainingPercent: 90},
	}
	out := Order(in, []string{"remainingPercent"})
	if len(out) != 3 {
		t.Fatalf("expected all 3 candidates preserved, got %d", len(out))
	}
	// Every pairwise comparison should be strict (no ties survive past the
	// tiebreak), so re-ordering must be stable across repeated calls.
	again := Order(out, []string{"remainingPercent"})
	for i := range out {
		if out[i].Provider != again[i].Provider || out[i].WindowLabel != again[i].WindowLabel {
			t.Fatalf("expected a stable total order, got %+v then %+v", out, again)
		}
	}
}

func TestOrderDoesNotMutateInput(t *testing.T) {
	in := []model.UsageCandidate{
		{Provider: "gemini", WindowLabel: "Daily", UsedPercent: 10, RemainingPercent: 90},
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 0, RemainingPercent: 100},
	}
	original := append([]model.UsageCandidate(nil), in...)
	_ = Order(in, nil)
	for i := range in {
		if in[i].Provider != original[i].Provider {
			t.Fatalf("Order must not mutate its input slice, got %+v vs original %+v", in, original)
		}
	}
}
