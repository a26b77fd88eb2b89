package probe

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pi-agent/model-selector/internal/discover"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/perr"
)

const codexUsageURL = "https://chatgpt.com/backend-api/wham/usage"

// CodexProbe implements the OpenAI Codex provider.
type CodexProbe struct {
	client *Client
}

// NewCodexProbe builds the Codex probe.
func NewCodexProbe() (*CodexProbe, error) {
	c, err := NewClient("codex", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &CodexProbe{client: c}, nil
}

func (p *CodexProbe) ID() model.Provider { return model.ProviderCodex }

func (p *CodexProbe) Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot {
	ctx, cancel := WithCallDeadline(ctx)
	defer cancel()

	creds := discoverCodexCredentials(deps)
	if len(creds) == 0 {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Codex", "discovery", "No credentials")}
	}

	results := make([]model.UsageSnapshot, len(creds))
	var wg sync.WaitGroup
	for i, cred := range creds {
		wg.Add(1)
		go func(i int, cred discover.Credential) {
			defer wg.Done()
			results[i] = p.fetchOne(ctx, cred)
		}(i, cred)
	}
	wg.Wait()

	return dedupeByKey(results, codexFingerprint)
}

func (p *CodexProbe) fetchOne(ctx context.Context, cred discover.Credential) model.UsageSnapshot {
	if cred.AccessToken == "" {
		return errorSnapshot(p.ID(), "Codex", cred.Source, "No token found")
	}
	req, err := http.NewRequest(http.MethodGet, codexUsageURL, nil)
	if err != nil {
		return errorSnapshot(p.ID(), "Codex", cred.Source, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if cred.ProjectID != "" {
		req.Header.Set("ChatGPT-Account-Id", cred.ProjectID)
	}

	resp, body, err := p.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return errorSnapshot(p.ID(), "Codex", cred.Source, perr.Timeout().Message)
		}
		return errorSnapshot(p.ID(), "Codex", cred.Source, err.Error())
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errorSnapshot(p.ID(), "Codex", cred.Source, "Unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return errorSnapshot(p.ID(), "Codex", cred.Source, perr.HTTPStatusError(resp.StatusCode).Message)
	}

	snap := normalizeCodexUsage(body)
	snap.Account = cred.Source
	if len(snap.Windows) == 0 {
		return errorSnapshot(p.ID(), "Codex", cred.Source, "No quota data")
	}
	clampWindows(&snap)
	return snap
}

// normalizeCodexUsage implements Codex's normalization rule: compare
// primary_window vs secondary_window on used_percent (ties -> later
// reset), label by rounded window-hours ("Week" at >=24h), and append a
// credit-balance suffix to plan.
func normalizeCodexUsage(body []byte) model.UsageSnapshot {
	snap := model.UsageSnapshot{Provider: model.ProviderCodex, DisplayName: "Codex"}
	rl := gjson.GetBytes(body, "rate_limit")
	primary := rl.Get("primary_window")
	secondary := rl.Get("secondary_window")

	win, ok := pickCodexWindow(primary, secondary)
	if ok {
		hours := int(math.Round(win.Get("limit_window_seconds").Float() / 3600))
		label := fmt.Sprintf("%dh", hours)
		if hours >= 24 {
			label = "Week"
		}
		snap.Windows = append(snap.Windows, rateWindow(label, win.Get("used_percent").Float(), codexResetsAt(win)))
	}

	if credits := gjson.GetBytes(body, "credit_balance"); credits.Exists() {
		snap.Plan = fmt.Sprintf("$%d", credits.Int())
	}
	return snap
}

func pickCodexWindow(a, b gjson.Result) (gjson.Result, bool) {
	switch {
	case a.Exists() && !b.Exists():
		return a, true
	case !a.Exists() && b.Exists():
		return b, true
	case !a.Exists() && !b.Exists():
		return gjson.Result{}, false
	}
	pa, pb := a.Get("used_percent").Float(), b.Get("used_percent").Float()
	if pa != pb {
		if pa > pb {
			return a, true
		}
		return b, true
	}
	ra, rb := codexResetsAt(a), codexResetsAt(b)
	if ra == nil {
		return b, true
	}
	if rb == nil {
		return a, true
	}
	if rb.After(*ra) {
		return b, true
	}
	return a, true
}

func codexResetsAt(w gjson.Result) *time.Time {
	r := w.Get("resets_at")
	if !r.Exists() {
		return nil
	}
	t, err := time.Parse(time.RFC3339, r.String())
	if err != nil {
		return nil
	}
	return &t
}

// codexFingerprint implements Codex's dedup key:
// "provider|sorted(label:pct:resetTs)|account".
func codexFingerprint(s model.UsageSnapshot) string {
	parts := make([]string, 0, len(s.Windows))
	for _, w := range s.Windows {
		ts := int64(0)
		if w.ResetsAt != nil {
			ts = w.ResetsAt.Unix()
		}
		parts = append(parts, fmt.Sprintf("%s:%.2f:%d", w.Label, w.UsedPercent, ts))
	}
	sort.Strings(parts)
	return strings.Join([]string{string(s.Provider), strings.Join(parts, ","), s.Account}, "|")
}

func discoverCodexCredentials(deps Deps) []discover.Credential {
	var creds []discover.Credential
	creds = append(creds, discover.FromAuthStore(deps.AuthStore, "codex")...)
	creds = append(creds, discover.FromPiAuth(deps.PiAuth, "codex")...)
	codexHome := ""
	if v, ok := discover.FromEnv("CODEX_HOME"); ok {
		codexHome = v.AccessToken
	}
	creds = append(creds, discover.FromCodexHome(codexHome)...)
	return filterHasToken(creds)
}
