// Package candidate implements the candidate builder:
// flattening snapshots into bucket candidates and applying the user's
// combine/ignore/map/reserve rules.
package candidate

import (
	"regexp"
	"time"

	"github.com/pi-agent/model-selector/internal/model"
)

// Build runs the full flatten/ignore/map/reserve pipeline over snapshots
// and returns the full candidate set (including ignored and exhausted
// ones -- filtering for ranking is the Selector's job).
func Build(snapshots []model.UsageSnapshot, mappings []model.MappingEntry) []model.UsageCandidate {
	var raw []model.UsageCandidate
	for _, snap := range snapshots {
		if snap.Error != "" && !snap.HasAccessWindow() {
			continue
		}
		for _, w := range snap.Windows {
			raw = append(raw, model.UsageCandidate{
				Provider:         snap.Provider,
				DisplayName:      snap.DisplayName,
				WindowLabel:      w.Label,
				Account:          snap.Account,
				UsedPercent:      w.UsedPercent,
				RemainingPercent: 100 - w.UsedPercent,
				ResetsAt:         w.ResetsAt,
				IsSynthetic:      w.Synthetic,
			})
		}
	}

	applyMappings(raw, mappings)
	combined := applyCombine(raw, mappings)
	return append(raw, combined...)
}

// applyMappings resolves each candidate's ignore/model/reserve outcome in
// place, per the precedence rules of step 4 (exact provider+account+
// window, exact provider+window, regex windowPattern).
func applyMappings(candidates []model.UsageCandidate, mappings []model.MappingEntry) {
	for i := range candidates {
		c := &candidates[i]
		if m := findIgnoreMapping(*c, mappings); m != nil {
			c.Ignored = true
			continue
		}
		if m := findModelMapping(*c, mappings); m != nil {
			c.Mapping = &model.ResolvedModel{Model: *m.Model, Reserve: m.Reserve}
			if m.Reserve > 0 && c.UsedPercent >= float64(100-m.Reserve) {
				c.Exhausted = true
			}
		}
	}
}

// applyCombine implements step 2: group entries with combine:<g>, emit one
// synthetic candidate per group taking the pessimistic (max used, latest
// reset) merge. Member candidates stay visible (IsSynthetic=false, for the
// widget) but are excluded from ranking in favor of the synthetic unless
// it has no resolvable mapping.
func applyCombine(candidates []model.UsageCandidate, mappings []model.MappingEntry) []model.UsageCandidate {
	groups := map[string][]int{}
	for i := range candidates {
		if g := findCombinationMapping(candidates[i], mappings); g != "" {
			groups[g] = append(groups[g], i)
			candidates[i].Ignored = true // excluded from ranking; widget still sees it
		}
	}

	var synths []model.UsageCandidate
	for group, members := range groups {
		syn := model.UsageCandidate{
			WindowLabel: group,
			IsSynthetic: true,
		}
		for n, i := range members {
			c := candidates[i]
			if n == 0 {
				syn.Provider = c.Provider
				syn.DisplayName = c.DisplayName
				syn.Account = c.Account
			}
			if c.UsedPercent > syn.UsedPercent {
				syn.UsedPercent = c.UsedPercent
			}
			syn.ResetsAt = laterOf(syn.ResetsAt, c.ResetsAt)
		}
		syn.RemainingPercent = 100 - syn.UsedPercent
		if m := findModelMappingForGroup(group, mappings); m != nil {
			syn.Mapping = &model.ResolvedModel{Model: *m.Model, Reserve: m.Reserve}
			if m.Reserve > 0 && syn.UsedPercent >= float64(100-m.Reserve) {
				syn.Exhausted = true
			}
		}
		synths = append(synths, syn)
	}
	return synths
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func findIgnoreMapping(c model.UsageCandidate, mappings []model.MappingEntry) *model.MappingEntry {
	return matchMapping(c, mappings, func(m model.MappingEntry) bool { return m.Ignore })
}

func findModelMapping(c model.UsageCandidate, mappings []model.MappingEntry) *model.MappingEntry {
	return matchMapping(c, mappings, func(m model.MappingEntry) bool { return m.Model != nil })
}

func findModelMappingForGroup(group string, mappings []model.MappingEntry) *model.MappingEntry {
	for i := range mappings {
		if mappings[i].Combine == group && mappings[i].Model != nil {
			return &mappings[i]
		}
	}
	return nil
}

func findCombinationMapping(c model.UsageCandidate, mappings []model.MappingEntry) string {
	if m := matchMapping(c, mappings, func(m model.MappingEntry) bool { return m.Combine != "" }); m != nil {
		return m.Combine
	}
	return ""
}

// matchMapping implements step 4's precedence order: exact
// (provider,account,window), exact (provider,window) with account
// unspecified, then regex windowPattern with the same account rules. The
// first match wins; a mapping whose windowPattern fails to compile is
// skipped (invalidates only that entry).
func matchMapping(c model.UsageCandidate, mappings []model.MappingEntry, pred func(model.MappingEntry) bool) *model.MappingEntry {
	var exactWithAccount, exactNoAccount, regexMatch *model.MappingEntry
	for i := range mappings {
		m := mappings[i]
		if !pred(m) {
			continue
		}
		if m.Usage.Provider != string(c.Provider) {
			continue
		}
		if m.Usage.Window != "" {
			if m.Usage.Window != c.WindowLabel {
				continue
			}
			if m.Usage.Account != "" {
				if m.Usage.Account == c.Account && exactWithAccount == nil {
					exactWithAccount = &mappings[i]
				}
				continue
			}
			if exactNoAccount == nil {
				exactNoAccount = &mappings[i]
			}
			continue
		}
		if m.Usage.WindowPattern != "" {
			if m.Usage.Account != "" && m.Usage.Account != c.Account {
				continue
			}
			re, err := regexp.Compile(m.Usage.WindowPattern)
			if err != nil {
				continue
			}
			if re.MatchString(c.WindowLabel) && regexMatch == nil {
				regexMatch = &mappings[i]
			}
		}
	}
	if exactWithAccount != nil {
		return exactWithAccount
	}
	if exactNoAccount != nil {
		return exactNoAccount
	}
	return regexMatch
}
