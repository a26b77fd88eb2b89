package probe

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pi-agent/model-selector/internal/discover"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/perr"
)

const (
	copilotExchangeURL = "https://api.github.com/copilot_internal/v2/token"
	copilotUserURL     = "https://api.github.com/copilot_internal/user"
	copilotEditorVer   = "model-selector/1.0"
	copilotPluginVer   = "model-selector/1.0"
	copilotUserAgent   = "GithubCopilot/1.0"
)

// etagCache is the Copilot probe's process-local body cache, keyed by the
// exact token used for the user endpoint call.
type etagCache struct {
	mu      sync.Mutex
	entries map[string]cachedBody
}

type cachedBody struct {
	etag string
	body []byte
}

func newETagCache() *etagCache { return &etagCache{entries: map[string]cachedBody{}} }

func (c *etagCache) get(token string) (cachedBody, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[token]
	return v, ok
}

func (c *etagCache) set(token string, v cachedBody) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = v
}

// CopilotProbe implements the GitHub Copilot provider.
type CopilotProbe struct {
	client *Client
	cache  *etagCache
}

// NewCopilotProbe builds the Copilot probe with its own ETag cache.
func NewCopilotProbe() (*CopilotProbe, error) {
	c, err := NewClient("copilot", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &CopilotProbe{client: c, cache: newETagCache()}, nil
}

func (p *CopilotProbe) ID() model.Provider { return model.ProviderCopilot }

func (p *CopilotProbe) Fetch(ctx context.Context, deps Deps) []model.UsageSnapshot {
	ctx, cancel := WithCallDeadline(ctx)
	defer cancel()

	ghTokens := discoverCopilotTokens(ctx, deps)
	if len(ghTokens) == 0 {
		return []model.UsageSnapshot{errorSnapshot(p.ID(), "Copilot", "discovery", "No credentials")}
	}

	results := make([]model.UsageSnapshot, len(ghTokens))
	var wg sync.WaitGroup
	for i, tok := range ghTokens {
		wg.Add(1)
		go func(i int, tok discover.Credential) {
			defer wg.Done()
			results[i] = p.fetchOne(ctx, tok)
		}(i, tok)
	}
	wg.Wait()

	return dedupeByKey(results, func(s model.UsageSnapshot) string {
		if s.Account != "" {
			return s.Account
		}
		return s.Error
	})
}

func (p *CopilotProbe) fetchOne(ctx context.Context, ghCred discover.Credential) model.UsageSnapshot {
	copilotToken, err := p.exchange(ctx, ghCred.AccessToken)
	if err != nil {
		return errorSnapshot(p.ID(), "Copilot", ghCred.Source, "Unauthorized")
	}

	login, snap, err := p.fetchUser(ctx, copilotToken)
	if err != nil {
		// Exchange already proved the credential is alive; a failing user
		// endpoint (304-no-cache, 401/403, 5xx, transport error) doesn't
		// un-prove that, so this is an Access window, not a hard error.
		account := login
		if account == "" {
			account = ghCred.Source
		}
		return accessSnapshot(p.ID(), "Copilot", account)
	}
	snap.Account = login
	return snap
}

// exchange upgrades a GitHub-style token to a Copilot token, trying the
// "token " scheme then "Bearer ".
func (p *CopilotProbe) exchange(ctx context.Context, ghToken string) (string, error) {
	for _, scheme := range []string{"token ", "Bearer "} {
		req, err := http.NewRequest(http.MethodGet, copilotExchangeURL, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", scheme+ghToken)
		resp, body, err := p.client.Do(ctx, req)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusOK {
			if tok := gjson.GetBytes(body, "token").String(); tok != "" {
				return tok, nil
			}
		}
	}
	return "", perr.New(perr.CategoryAuth, "Unauthorized")
}

// fetchUser calls the Copilot user endpoint, honoring the ETag cache on a
// 304. Any error it returns means the exchange succeeded but the user
// endpoint itself didn't -- fetchOne turns that into a synthetic Access
// window rather than a hard error, keyed by login when fetchUser managed to
// recover one (the 304-no-cache case) and by the caller's credential source
// otherwise.
func (p *CopilotProbe) fetchUser(ctx context.Context, copilotToken string) (string, model.UsageSnapshot, error) {
	req, err := http.NewRequest(http.MethodGet, copilotUserURL, nil)
	if err != nil {
		return "", model.UsageSnapshot{}, err
	}
	req.Header.Set("Authorization", "token "+copilotToken)
	req.Header.Set("Editor-Version", copilotEditorVer)
	req.Header.Set("Editor-Plugin-Version", copilotPluginVer)
	req.Header.Set("User-Agent", copilotUserAgent)
	if cached, ok := p.cache.get(copilotToken); ok && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, body, err := p.client.Do(ctx, req)
	if err != nil {
		return "", model.UsageSnapshot{}, err
	}

	if resp.StatusCode == http.StatusNotModified {
		cached, ok := p.cache.get(copilotToken)
		if !ok {
			return loginFrom(body), model.UsageSnapshot{Provider: p.ID()}, perr.New(perr.CategoryDecode, "No quota data")
		}
		return loginFrom(cached.body), normalizeCopilotUsage(cached.body), nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", model.UsageSnapshot{}, perr.New(perr.CategoryAuth, "Unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return "", model.UsageSnapshot{}, perr.HTTPStatusError(resp.StatusCode)
	}

	p.cache.set(copilotToken, cachedBody{etag: resp.Header.Get("ETag"), body: body})
	login := loginFrom(body)
	snap := normalizeCopilotUsage(body)
	if len(snap.Windows) == 0 {
		return login, accessSnapshot(p.ID(), "Copilot", login), nil
	}
	clampWindows(&snap)
	return login, snap, nil
}

func loginFrom(body []byte) string {
	return gjson.GetBytes(body, "login").String()
}

// normalizeCopilotUsage implements Copilot's normalization:
// premium_interactions -> "Premium"; chat (if present and not unlimited)
// -> "Chat".
func normalizeCopilotUsage(body []byte) model.UsageSnapshot {
	snap := model.UsageSnapshot{Provider: model.ProviderCopilot, DisplayName: "Copilot"}
	root := gjson.GetBytes(body, "quota_snapshots")

	if premium := root.Get("premium_interactions"); premium.Exists() {
		used := premium.Get("percent_remaining")
		pct := 0.0
		if used.Exists() {
			pct = 100 - used.Float()
		}
		snap.Windows = append(snap.Windows, rateWindow("Premium", pct, nil))
	}
	if chat := root.Get("chat"); chat.Exists() && !strings.EqualFold(chat.Get("unlimited").String(), "true") {
		used := chat.Get("percent_remaining")
		pct := 0.0
		if used.Exists() {
			pct = 100 - used.Float()
		}
		snap.Windows = append(snap.Windows, rateWindow("Chat", pct, nil))
	}
	return snap
}

func discoverCopilotTokens(ctx context.Context, deps Deps) []discover.Credential {
	var creds []discover.Credential
	creds = append(creds, discover.FromAuthStore(deps.AuthStore, "copilot")...)
	creds = append(creds, discover.FromPiAuth(deps.PiAuth, "copilot")...)
	if tok, err := discover.ExternalCLIToken(ctx, "gh", "auth", "token"); err == nil && tok != "" {
		creds = append(creds, discover.Credential{Source: "cli:gh", AccessToken: tok})
	}
	return filterHasToken(creds)
}
