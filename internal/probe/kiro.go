package probe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pi-agent/model-selector/internal/model"
)

const kiroCLIName = "kiro-cli"

// ansiPattern strips terminal escape sequences from kiro-cli's interactive
// output before line-based parsing.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// kiroQuotaLine matches one of the six labeled quota lines kiro-cli prints,
// capturing either an "NN%" or an "A/B" usage shape.
var kiroQuotaLine = regexp.MustCompile(`(?i)\b(Progress|Usage|Credits|Quota|Remaining|Bonus)\b[^\d%]*(?:(\d+)\s*%|(\d+)\s*/\s*(\d+))`)

var kiroResetPattern = regexp.MustCompile(`resets on (\d{1,2})/(\d{1,2})`)
var kiroExpiresPattern = regexp.MustCompile(`expires in (\d+)d`)

// KiroProbe implements the Kiro CLI provider by shelling out to kiro-cli
// and parsing its human-readable usage report.
type KiroProbe struct{}

// NewKiroProbe builds the Kiro probe.
func NewKiroProbe() *KiroProbe { return &KiroProbe{} }

func (p *KiroProbe) ID() model.Provider { return model.ProviderKiro }

func (p *KiroProbe) Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot {
	ctx, cancel := WithCallDeadline(ctx)
	defer cancel()

	if _, err := exec.LookPath(kiroCLIName); err != nil {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Kiro", "cli", "kiro-cli not found")}
	}

	cmd := exec.CommandContext(ctx, kiroCLIName, "chat", "--no-interactive", "/usage")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return []model.UsageSnapshot{errorSnapshot(p.ID(), "Kiro", "cli", "Timeout")}
		}
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Kiro", "cli", "Not logged in")}
	}

	snap := normalizeKiroOutput(out.String(), time.Now())
	if len(snap.Windows) == 0 {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Kiro", "cli", "No quota data")}
	}
	clampWindows(&snap)
	return []model.UsageSnapshot{snap}
}

func normalizeKiroOutput(raw string, now time.Time) model.UsageSnapshot {
	snap := model.UsageSnapshot{Provider: model.ProviderKiro, DisplayName: "Kiro"}
	clean := ansiPattern.ReplaceAllString(raw, "")
	lines := strings.Split(clean, "\n")

	var lastLabel string
	for _, line := range lines {
		if m := kiroQuotaLine.FindStringSubmatch(line); m != nil {
			label := capitalize(strings.ToLower(m[1]))
			pct := kiroQuotaPercent(m)
			snap.Windows = append(snap.Windows, rateWindow(label, pct, nil))
			lastLabel = label
			continue
		}
		if lastLabel == "" || len(snap.Windows) == 0 {
			continue
		}
		idx := len(snap.Windows) - 1
		if m := kiroResetPattern.FindStringSubmatch(line); m != nil {
			month, _ := strconv.Atoi(m[1])
			day, _ := strconv.Atoi(m[2])
			if t, ok := resolveKiroDate(month, day, now); ok {
				snap.Windows[idx].ResetsAt = &t
			}
			continue
		}
		if m := kiroExpiresPattern.FindStringSubmatch(line); m != nil {
			days, _ := strconv.Atoi(m[1])
			t := now.AddDate(0, 0, days)
			snap.Windows[idx].ResetsAt = &t
		}
	}
	return snap
}

func kiroQuotaPercent(m []string) float64 {
	if m[2] != "" {
		v, _ := strconv.ParseFloat(m[2], 64)
		return v
	}
	a, _ := strconv.ParseFloat(m[3], 64)
	b, _ := strconv.ParseFloat(m[4], 64)
	if b == 0 {
		return 0
	}
	return (a / b) * 100
}

// resolveKiroDate disambiguates an MM/DD string against {prev, current,
// next} year, trying both MM/DD and DD/MM orderings, preferring the
// candidate closest in absolute time and breaking ties toward the future.
// If that globally-nearest candidate falls more than 7 days in the past,
// it's stale (quota reset dates are never that old), so the nearest
// *future* candidate wins instead -- re-minimizing over the future-only
// subset rather than just rolling the stale pick forward a year, which
// can skip right past a closer future candidate already in the set.
func resolveKiroDate(a, b int, now time.Time) (time.Time, bool) {
	var candidates []time.Time
	for _, yearOffset := range []int{-1, 0, 1} {
		year := now.Year() + yearOffset
		for _, pair := range [][2]int{{a, b}, {b, a}} {
			month, day := pair[0], pair[1]
			if month < 1 || month > 12 || day < 1 || day > 31 {
				continue
			}
			t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
			if t.Month() != time.Month(month) {
				continue // invalid day-of-month rollover (e.g. Feb 30)
			}
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return time.Time{}, false
	}

	best := candidates[0]
	bestDelta := absDuration(best.Sub(now))
	for _, c := range candidates[1:] {
		delta := absDuration(c.Sub(now))
		if delta < bestDelta || (delta == bestDelta && c.After(best)) {
			best, bestDelta = c, delta
		}
	}
	if now.Sub(best) > 7*24*time.Hour {
		if nearest, ok := nearestFuture(candidates, now); ok {
			best = nearest
		} else {
			best = best.AddDate(1, 0, 0)
		}
	}
	return best, true
}

// nearestFuture returns the candidate with the smallest non-negative delta
// from now, i.e. the closest date at or after now.
func nearestFuture(candidates []time.Time, now time.Time) (time.Time, bool) {
	var best time.Time
	var bestDelta time.Duration
	found := false
	for _, c := range candidates {
		if c.Before(now) {
			continue
		}
		delta := c.Sub(now)
		if !found || delta < bestDelta {
			best, bestDelta, found = c, delta, true
		}
	}
	return best, found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
