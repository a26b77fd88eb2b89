package probe

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pi-agent/model-selector/internal/discover"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/oauthgoogle"
	"github.com/pi-agent/model-selector/internal/perr"
)

const (
	antigravityModelsURL   = "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"
	antigravityUserAgent   = "antigravity/1.0"
	antigravityAPIClient   = "gl-go/model-selector"
	antigravityRefreshSkew = 5 * time.Minute
)

// antigravityGroups buckets raw model ids into the three display groups
// Antigravity reports ("Claude", "G3 Pro", "G3 Flash"), worst-of wins.
var antigravityGroups = []struct {
	label  string
	prefix string
}{
	{"Claude", "claude"},
	{"G3 Pro", "g3-pro"},
	{"G3 Flash", "g3-flash"},
}

// AntigravityProbe implements the Antigravity provider.
type AntigravityProbe struct {
	client   *Client
	attempts *attemptedTokens
}

// NewAntigravityProbe builds the Antigravity probe.
func NewAntigravityProbe() (*AntigravityProbe, error) {
	c, err := NewClient("antigravity", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &AntigravityProbe{client: c}, nil
}

func (p *AntigravityProbe) ID() model.Provider { return model.ProviderAntigravity }

func (p *AntigravityProbe) Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot {
	ctx, cancel := WithCallDeadline(ctx)
	defer cancel()
	p.attempts = newAttemptedTokens()

	cred, projectID, ok := discoverAntigravityCredential(deps)
	if !ok {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", "discovery", "No credentials")}
	}
	if projectID == "" {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", cred.Source, "Missing projectId")}
	}

	token, err := p.resolveToken(ctx, cred)
	if err != nil {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", cred.Source, "No token found")}
	}

	body, _ := sjson.Set("{}", "project", projectID)
	req, err := http.NewRequest(http.MethodPost, antigravityModelsURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", cred.Source, err.Error())}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", antigravityUserAgent)
	req.Header.Set("X-Goog-Api-Client", antigravityAPIClient)

	resp, respBody, err := p.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", cred.Source, perr.Timeout().Message)}
		}
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", cred.Source, err.Error())}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", cred.Source, "Unauthorized")}
	}
	if resp.StatusCode != http.StatusOK {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Antigravity", cred.Source, perr.HTTPStatusError(resp.StatusCode).Message)}
	}

	snap := normalizeAntigravity(respBody)
	if len(snap.Windows) == 0 {
		snap = accessSnapshot(p.ID(), "Antigravity", cred.Source)
	}
	clampWindows(&snap)
	return []model.UsageSnapshot{snap}
}

func (p *AntigravityProbe) resolveToken(ctx context.Context, cred discover.Credential) (string, error) {
	needsRefresh := cred.AccessToken == "" || (cred.HasExpiry && time.Until(cred.ExpiresAt) < antigravityRefreshSkew)
	if !needsRefresh || cred.RefreshToken == "" {
		if cred.AccessToken == "" {
			return "", perr.New(perr.CategoryAuth, "no token")
		}
		return cred.AccessToken, nil
	}
	if p.attempts.tryMark(cred.RefreshToken) {
		return cred.AccessToken, nil
	}
	tok, err := oauthgoogle.Refresh(ctx, cred.RefreshToken, cred.ClientID, cred.ClientSecret)
	if err != nil {
		if cred.AccessToken != "" {
			return cred.AccessToken, nil
		}
		return "", err
	}
	return tok.AccessToken, nil
}

func discoverAntigravityCredential(deps Deps) (discover.Credential, string, bool) {
	var creds []discover.Credential
	creds = append(creds, discover.FromAuthStore(deps.AuthStore, "antigravity")...)
	creds = append(creds, discover.FromPiAuth(deps.PiAuth, "antigravity")...)
	if envCred, ok := discover.FromEnv("ANTIGRAVITY_API_KEY"); ok {
		creds = append(creds, envCred)
	}
	creds = filterHasToken(creds)
	if len(creds) == 0 {
		return discover.Credential{}, "", false
	}
	cred := discover.ByFreshness(time.Now(), creds)[0]

	projectID := cred.ProjectID
	if projectID == "" {
		if v, ok := discover.FromEnv("ANTIGRAVITY_PROJECT_ID"); ok {
			projectID = v.AccessToken
		}
	}
	if projectID == "" {
		if v, ok := discover.FromEnv("GOOGLE_CLOUD_PROJECT"); ok {
			projectID = v.AccessToken
		}
	}
	return cred, projectID, true
}

func normalizeAntigravity(body []byte) model.UsageSnapshot {
	snap := model.UsageSnapshot{Provider: model.ProviderAntigravity, DisplayName: "Antigravity"}
	worst := map[string]float64{} // label -> lowest remaining fraction seen
	present := map[string]bool{}

	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		id := strings.ToLower(m.Get("id").String())
		remaining := m.Get("remainingFraction").Float()
		label, ok := antigravityGroupFor(id)
		if !ok {
			return true
		}
		if !present[label] || remaining < worst[label] {
			worst[label] = remaining
			present[label] = true
		}
		return true
	})

	for _, g := range antigravityGroups {
		if !present[g.label] {
			continue
		}
		snap.Windows = append(snap.Windows, rateWindow(g.label, (1-worst[g.label])*100, nil))
	}
	return snap
}

func antigravityGroupFor(id string) (string, bool) {
	for _, g := range antigravityGroups {
		if strings.HasPrefix(id, g.prefix) {
			return g.label, true
		}
	}
	return "", false
}
