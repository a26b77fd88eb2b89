package probe

import (
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pi-agent/model-selector/internal/discover"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/oauthgoogle"
	"github.com/pi-agent/model-selector/internal/perr"
)

const (
	geminiQuotaURL    = "https://cloudcode-pa.googleapis.com/v1internal:retrieveUserQuota"
	geminiRefreshSkew = 60 * time.Second
)

// GeminiProbe implements the Gemini provider, including its multi-account
// fan-out and per-family pessimistic bucketing.
type GeminiProbe struct {
	client *Client
}

// NewGeminiProbe builds the Gemini probe.
func NewGeminiProbe() (*GeminiProbe, error) {
	c, err := NewClient("gemini", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &GeminiProbe{client: c}, nil
}

func (p *GeminiProbe) ID() model.Provider { return model.ProviderGemini }

func (p *GeminiProbe) Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot {
	ctx, cancel := WithCallDeadline(ctx)
	defer cancel()

	creds := discoverGeminiCredentials(deps)
	if len(creds) == 0 {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Gemini", "discovery", "No credentials")}
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

	return dedupeByKey(results, func(s model.UsageSnapshot) string {
		if s.Account != "" {
			return s.Account
		}
		return s.Error
	})
}

func (p *GeminiProbe) fetchOne(ctx context.Context, cred discover.Credential) model.UsageSnapshot {
	if cred.ProjectID == "" {
		return errorSnapshot(p.ID(), "Gemini", cred.Source, "Missing projectId")
	}
	token, err := p.resolveToken(ctx, cred)
	if err != nil || token == "" {
		return errorSnapshot(p.ID(), "Gemini", cred.Source, "No token found")
	}

	body, _ := sjson.Set("{}", "project", cred.ProjectID)
	req, err := http.NewRequest(http.MethodPost, geminiQuotaURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return errorSnapshot(p.ID(), "Gemini", cred.Source, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, respBody, err := p.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return errorSnapshot(p.ID(), "Gemini", cred.Source, perr.Timeout().Message)
		}
		return errorSnapshot(p.ID(), "Gemini", cred.Source, err.Error())
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errorSnapshot(p.ID(), "Gemini", cred.Source, "Unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return errorSnapshot(p.ID(), "Gemini", cred.Source, perr.HTTPStatusError(resp.StatusCode).Message)
	}

	snap := normalizeGeminiQuota(respBody)
	snap.Account = cred.ProjectID
	if len(snap.Windows) == 0 {
		snap = accessSnapshot(p.ID(), "Gemini", cred.ProjectID)
	}
	clampWindows(&snap)
	return snap
}

func (p *GeminiProbe) resolveToken(ctx context.Context, cred discover.Credential) (string, error) {
	needsRefresh := cred.AccessToken == "" || (cred.HasExpiry && time.Until(cred.ExpiresAt) < geminiRefreshSkew)
	if !needsRefresh {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
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

func discoverGeminiCredentials(deps Deps) []discover.Credential {
	var creds []discover.Credential
	creds = append(creds, discover.FromAuthStore(deps.AuthStore, "gemini")...)
	creds = append(creds, discover.FromPiAuth(deps.PiAuth, "gemini")...)
	if deps.HomeDir != "" {
		if c, ok := discover.FromJSONFile(filepath.Join(deps.HomeDir, ".gemini", "oauth_creds.json")); ok {
			creds = append(creds, c)
		}
	}
	return filterHasToken(creds)
}

// geminiFamily buckets a raw model id into its display family per spec
// §4.1: "Pro", "Flash", otherwise the capitalized first hyphen segment.
func geminiFamily(modelID string) string {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "pro"):
		return "Pro"
	case strings.Contains(lower, "flash"):
		return "Flash"
	}
	seg := modelID
	if idx := strings.IndexByte(modelID, '-'); idx > 0 {
		seg = modelID[:idx]
	}
	if seg == "" {
		return "Other"
	}
	return strings.ToUpper(seg[:1]) + seg[1:]
}

func normalizeGeminiQuota(body []byte) model.UsageSnapshot {
	snap := model.UsageSnapshot{Provider: model.ProviderGemini, DisplayName: "Gemini"}
	minRemaining := map[string]float64{}
	present := map[string]bool{}

	gjson.GetBytes(body, "buckets").ForEach(func(_, b gjson.Result) bool {
		id := b.Get("modelId").String()
		remaining := b.Get("remainingFraction").Float()
		family := geminiFamily(id)
		if !present[family] || remaining < minRemaining[family] {
			minRemaining[family] = remaining
			present[family] = true
		}
		return true
	})

	for family, remaining := range minRemaining {
		snap.Windows = append(snap.Windows, rateWindow(family, (1-remaining)*100, nil))
	}
	sortWindowsByLabel(snap.Windows)
	return snap
}
