package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pi-agent/model-selector/internal/discover"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/perr"
)

const (
	claudeUsageURL        = "https://api.anthropic.com/api/oauth/usage"
	claudeKeychainService = "Claude Code-credentials"
)

// ClaudeProbe implements the Anthropic provider.
type ClaudeProbe struct {
	client *Client
}

// NewClaudeProbe builds the Anthropic probe with its own breaker/executor.
func NewClaudeProbe() (*ClaudeProbe, error) {
	c, err := NewClient("anthropic", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &ClaudeProbe{client: c}, nil
}

func (p *ClaudeProbe) ID() model.Provider { return model.ProviderAnthropic }

// Fetch discovers the Anthropic credential, calls the usage endpoint, and
// returns exactly one snapshot (Claude has no multi-account fan-out).
func (p *ClaudeProbe) Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot {
	ctx, cancel := WithCallDeadline(ctx)
	defer cancel()

	cred, ok := discoverClaudeCredential(ctx, deps)
	if !ok {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Claude", "discovery", "No credentials")}
	}

	req, err := http.NewRequest(http.MethodGet, claudeUsageURL, nil)
	if err != nil {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Claude", cred.Source, err.Error())}
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")

	resp, body, err := p.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return []model.UsageSnapshot{errorSnapshot(p.ID(), "Claude", cred.Source, perr.Timeout().Message)}
		}
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Claude", cred.Source, err.Error())}
	}
	if resp.StatusCode != http.StatusOK {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Claude", cred.Source, perr.HTTPStatusError(resp.StatusCode).Message)}
	}

	snap := normalizeClaudeUsage(body)
	if len(snap.Windows) == 0 {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Claude", cred.Source, "No quota data")}
	}
	clampWindows(&snap)
	return []model.UsageSnapshot{snap}
}

func discoverClaudeCredential(ctx context.Context, deps Deps) (discover.Credential, bool) {
	var candidates []discover.Credential
	candidates = append(candidates, discover.FromAuthStore(deps.AuthStore, "anthropic")...)
	candidates = append(candidates, discover.FromPiAuth(deps.PiAuth, "anthropic")...)
	if tok, ok := discover.KeychainItem(ctx, claudeKeychainService); ok {
		candidates = append(candidates, discover.Credential{Source: "keychain", AccessToken: tok})
	}
	candidates = filterHasToken(candidates)
	if len(candidates) == 0 {
		return discover.Credential{}, false
	}
	return discover.ByFreshness(time.Now(), candidates)[0], true
}

func filterHasToken(creds []discover.Credential) []discover.Credential {
	var out []discover.Credential
	for _, c := range creds {
		if c.AccessToken != "" {
			out = append(out, c)
		}
	}
	return out
}

// normalizeClaudeUsage implements Claude's normalization rule:
// pessimistic per-model windows lifted to the max of model/global
// utilization, plus always-present raw 5h/Week windows.
func normalizeClaudeUsage(body []byte) model.UsageSnapshot {
	snap := model.UsageSnapshot{Provider: model.ProviderAnthropic, DisplayName: "Claude"}
	root := gjson.ParseBytes(body)

	fiveHour := root.Get("five_hour")
	sevenDay := root.Get("seven_day")
	sonnet := root.Get("seven_day_sonnet")
	opus := root.Get("seven_day_opus")

	globalUtil, globalReset := windowUtil(fiveHour)
	weekUtil, weekReset := windowUtil(sevenDay)

	if fiveHour.Exists() {
		snap.Windows = append(snap.Windows, rateWindow("5h", globalUtil*100, globalReset))
	}
	if sevenDay.Exists() {
		snap.Windows = append(snap.Windows, rateWindow("Week", weekUtil*100, weekReset))
	}

	hasModelWindow := false
	if sonnet.Exists() {
		hasModelWindow = true
		u, r := pessimisticMerge(sonnet, fiveHour)
		snap.Windows = append(snap.Windows, rateWindow("Sonnet", u*100, r))
	}
	if opus.Exists() {
		hasModelWindow = true
		u, r := pessimisticMerge(opus, fiveHour)
		snap.Windows = append(snap.Windows, rateWindow("Opus", u*100, r))
	}
	if !hasModelWindow && fiveHour.Exists() {
		snap.Windows = append(snap.Windows, rateWindow("Shared", globalUtil*100, globalReset))
	}
	return snap
}

func windowUtil(w gjson.Result) (float64, *time.Time) {
	if !w.Exists() {
		return 0, nil
	}
	util := w.Get("utilization").Float()
	return util, resetsAtOf(w)
}

func resetsAtOf(w gjson.Result) *time.Time {
	rs := w.Get("resets_at")
	if !rs.Exists() {
		return nil
	}
	t, err := time.Parse(time.RFC3339, rs.String())
	if err != nil {
		return nil
	}
	return &t
}

// pessimisticMerge lifts a model-specific window to the max utilization of
// itself vs the global window, taking the later of the two resets (spec
// §4.1 Claude rule).
func pessimisticMerge(modelWindow, globalWindow gjson.Result) (float64, *time.Time) {
	modelUtil := modelWindow.Get("utilization").Float()
	globalUtil, globalReset := windowUtil(globalWindow)
	modelReset := resetsAtOf(modelWindow)
	util := modelUtil
	if globalUtil > util {
		util = globalUtil
	}
	reset := laterOf(modelReset, globalReset)
	return util, reset
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

func rateWindow(label string, usedPercent float64, resetsAt *time.Time) model.RateWindow {
	w := model.RateWindow{Label: label, UsedPercent: usedPercent, ResetsAt: resetsAt}
	w.ClampUsedPercent()
	return w
}
