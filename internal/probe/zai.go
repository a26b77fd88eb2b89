package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pi-agent/model-selector/internal/discover"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/perr"
)

const zaiUsageURL = "https://api.z.ai/api/monitor/usage/quota/limit"

// zaiUnitSuffix translates z.ai's numeric unit enum to the {Nd, Nh, Nm}
// label suffix z.ai expects (day/hour/minute windows).
var zaiUnitSuffix = map[int64]string{
	1: "m",
	3: "h",
	5: "d",
}

// ZaiProbe implements the z.ai provider.
type ZaiProbe struct {
	client *Client
}

// NewZaiProbe builds the z.ai probe.
func NewZaiProbe() (*ZaiProbe, error) {
	c, err := NewClient("zai", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &ZaiProbe{client: c}, nil
}

func (p *ZaiProbe) ID() model.Provider { return model.ProviderZai }

func (p *ZaiProbe) Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot {
	ctx, cancel := WithCallDeadline(ctx)
	defer cancel()

	cred, ok := discoverZaiCredential(deps)
	if !ok {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "z.ai", "discovery", "No credentials")}
	}

	req, err := http.NewRequest(http.MethodGet, zaiUsageURL, nil)
	if err != nil {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "z.ai", cred.Source, err.Error())}
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, body, err := p.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return []model.UsageSnapshot{errorSnapshot(p.ID(), "z.ai", cred.Source, perr.Timeout().Message)}
		}
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "z.ai", cred.Source, err.Error())}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "z.ai", cred.Source, "Unauthorized")}
	}
	if resp.StatusCode != http.StatusOK {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "z.ai", cred.Source, perr.HTTPStatusError(resp.StatusCode).Message)}
	}

	snap := normalizeZaiUsage(body)
	if len(snap.Windows) == 0 {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "z.ai", cred.Source, "No quota data")}
	}
	clampWindows(&snap)
	return []model.UsageSnapshot{snap}
}

func normalizeZaiUsage(body []byte) model.UsageSnapshot {
	snap := model.UsageSnapshot{Provider: model.ProviderZai, DisplayName: "z.ai"}
	gjson.GetBytes(body, "limits").ForEach(func(_, l gjson.Result) bool {
		label, ok := zaiLabel(l)
		if !ok {
			return true
		}
		used := l.Get("used_percent")
		pct := 0.0
		if used.Exists() {
			pct = used.Float()
		} else {
			total := l.Get("total").Float()
			usedCount := l.Get("used").Float()
			if total > 0 {
				pct = (usedCount / total) * 100
			}
		}
		snap.Windows = append(snap.Windows, rateWindow(label, pct, nil))
		return true
	})
	return snap
}

func zaiLabel(l gjson.Result) (string, bool) {
	typ := l.Get("type").String()
	unit := l.Get("unit").Int()
	n := l.Get("window").Int()
	suffix, known := zaiUnitSuffix[unit]
	switch typ {
	case "TOKENS_LIMIT":
		return fmt.Sprintf("Tokens (%d%s)", n, suffix), known
	case "TIME_LIMIT":
		return "Monthly", true
	default:
		return "", false
	}
}

func discoverZaiCredential(deps Deps) (discover.Credential, bool) {
	var creds []discover.Credential
	creds = append(creds, discover.FromAuthStore(deps.AuthStore, "zai")...)
	creds = append(creds, discover.FromPiAuth(deps.PiAuth, "zai")...)
	if v, ok := discover.FromEnv("Z_AI_API_KEY"); ok {
		creds = append(creds, v)
	}
	creds = filterHasToken(creds)
	if len(creds) == 0 {
		return discover.Credential{}, false
	}
	return discover.ByFreshness(time.Now(), creds)[0], true
}
