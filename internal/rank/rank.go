// Package rank implements the ranker: ordering candidates
// by the user's priority-key sequence with a deterministic tiebreak.
package rank

import (
	"sort"
	"time"

	"github.com/pi-agent/model-selector/internal/model"
)

// distantFuture stands in for "no resetsAt known" so earliestReset
// comparisons always have a concrete value to compare.
var distantFuture = time.Unix(1<<62, 0)

// Order returns candidates sorted best-first per the priority-key sequence
// in keys (defaults to model.DefaultPriority when empty), falling back to
// a lexicographic (provider, windowLabel) tiebreak so the ordering is a
// total order -- compare(a, b) never returns 0 for distinct candidates
//.
func Order(candidates []model.UsageCandidate, keys []string) []model.UsageCandidate {
	if len(keys) == 0 {
		keys = model.DefaultPriority
	}
	out := append([]model.UsageCandidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j], keys)
	})
	return out
}

func less(a, b model.UsageCandidate, keys []string) bool {
	for _, key := range keys {
		switch key {
		case "fullAvailability":
			av, bv := a.UsedPercent == 0, b.UsedPercent == 0
			if av != bv {
				return av // true (fully available) sorts first
			}
		case "remainingPercent":
			if a.RemainingPercent != b.RemainingPercent {
				return a.RemainingPercent > b.RemainingPercent
			}
		case "earliestReset":
			at, bt := resetOrDistant(a), resetOrDistant(b)
			if !at.Equal(bt) {
				return at.Before(bt)
			}
		}
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.WindowLabel < b.WindowLabel
}

func resetOrDistant(c model.UsageCandidate) time.Time {
	if c.ResetsAt == nil {
		return distantFuture
	}
	return *c.ResetsAt
}
