// Package discover implements credential discovery for the seven provider
// probes: reading the host's authStore and piAuth map, on-disk
// per-user credential files, external CLI tools, OS secret stores, and
// environment variables, then ranking them by freshness.
package discover

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pi-agent/model-selector/internal/host"
	"github.com/pi-agent/model-selector/internal/jsonutil"
	"github.com/pi-agent/model-selector/internal/logging"
)

// Credential is the normalized shape every discovery source is coerced
// into, covering the field-name aliases providers use
// (access|accessToken|token, expires|expiresAt|expiry_date, ...).
type Credential struct {
	Source       string // discovery-source tag, used as the account fallback on error
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero value means "no known expiry"
	HasExpiry    bool
	ProjectID    string
	ClientID     string
	ClientSecret string
}

// Expired reports whether the credential's expiry has passed as of now.
// Epoch 0 is a valid, already-expired instant, distinct from
// HasExpiry==false ("unknown").
func (c Credential) Expired(now time.Time) bool {
	if !c.HasExpiry {
		return false
	}
	return !c.ExpiresAt.After(now)
}

// ByFreshness sorts credentials with non-expired ones first, then by
// furthest-out expiry ("tries them in order of freshness, non-expired
// first").
func ByFreshness(now time.Time, creds []Credential) []Credential {
	out := append([]Credential(nil), creds...)
	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := out[i].Expired(now), out[j].Expired(now)
		if ei != ej {
			return !ei
		}
		if !out[i].HasExpiry || !out[j].HasExpiry {
			return out[i].HasExpiry
		}
		return out[i].ExpiresAt.After(out[j].ExpiresAt)
	})
	return out
}

// recordFromMap coerces a generic JSON object (authStore.get / piAuth
// entry) into a Credential using the field-name alias rules above.
func recordFromMap(source string, m map[string]any) Credential {
	c := Credential{Source: source}
	c.AccessToken = firstString(m, "access", "accessToken", "token")
	c.RefreshToken = firstString(m, "refresh", "refreshToken")
	c.ProjectID = firstString(m, "projectId", "project_id")
	c.ClientID = firstString(m, "clientId", "client_id")
	c.ClientSecret = firstString(m, "clientSecret", "client_secret")
	if exp, ok := firstNumeric(m, "expires", "expiresAt", "expiry_date"); ok {
		c.HasExpiry = true
		c.ExpiresAt = epochToTime(exp)
	}
	return c
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNumeric(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int64:
				return float64(n), true
			case int:
				return float64(n), true
			}
		}
	}
	return 0, false
}

func epochToTime(v float64) time.Time {
	// Heuristic shared with provider-credential token-expiry handling: values
	// above 1e12 are milliseconds, otherwise seconds.
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	return time.Unix(int64(v), 0)
}

// PiAuthAliases maps a provider id to every key piAuth is known to use for
// it.
var PiAuthAliases = map[string][]string{
	"antigravity": {"google-antigravity", "antigravity", "anti-gravity"},
	"gemini":      {"google-gemini", "google-gemini-cli"},
	"codex":       {"openai-codex", "openai-codex-cli"},
	"zai":         {"z-ai", "zai"},
}

// LoadPiAuth reads and parses ~/.pi/agent/auth.json. A missing file is not
// an error -- discovery simply has one fewer source.
func LoadPiAuth(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var m map[string]any
	if err := jsonutil.Unmarshal(data, &m); err != nil {
		return map[string]any{}, nil
	}
	return m, nil
}

// FromPiAuth collects every Credential piAuth carries for providerID,
// trying every alias key.
func FromPiAuth(piAuth map[string]any, providerID string) []Credential {
	var out []Credential
	keys := append([]string{providerID}, PiAuthAliases[providerID]...)
	for _, k := range keys {
		raw, ok := piAuth[k]
		if !ok {
			continue
		}
		if m, ok := raw.(map[string]any); ok {
			out = append(out, recordFromMap("piAuth:"+k, m))
		}
	}
	return out
}

// FromAuthStore collects the authStore-sourced credentials for providerID:
// a bare API key and/or a structured record.
func FromAuthStore(store host.AuthStorage, providerID string) []Credential {
	var out []Credential
	if store == nil {
		return out
	}
	if key, ok := store.GetAPIKey(providerID); ok && key != "" {
		out = append(out, Credential{Source: "authStore:apiKey", AccessToken: key})
	}
	if rec, ok := store.Get(providerID); ok {
		out = append(out, recordFromMap("authStore:record", rec))
	}
	return out
}

// FromEnv reads a single environment variable into a bare-token credential.
func FromEnv(name string) (Credential, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return Credential{}, false
	}
	return Credential{Source: "env:" + name, AccessToken: v}, true
}

// LoadDotEnv loads a .env file from dir into the process environment
// without overwriting already-set variables, so ANTIGRAVITY_API_KEY et al.
// can live in a dotfile during local development.
func LoadDotEnv(dir string) {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		logging.Debugf("model-selector: .env load skipped: %v", err)
	}
}

// FromJSONFile reads a single on-disk credential file (e.g.
// ~/.gemini/oauth_creds.json) and coerces it into a Credential.
func FromJSONFile(path string) (Credential, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, false
	}
	var m map[string]any
	if err := jsonutil.Unmarshal(data, &m); err != nil {
		return Credential{}, false
	}
	return recordFromMap("file:"+path, m), true
}

// FromCodexHome discovers Codex's auth*.json files under CODEX_HOME (or
// ~/.codex when unset), returning one credential per file found.
func FromCodexHome(codexHome string) []Credential {
	if codexHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		codexHome = filepath.Join(home, ".codex")
	}
	entries, err := os.ReadDir(codexHome)
	if err != nil {
		return nil
	}
	var out []Credential
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "auth") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if c, ok := FromJSONFile(filepath.Join(codexHome, name)); ok {
			out = append(out, c)
		}
	}
	return out
}

// ExternalCLIToken runs an external CLI tool and returns its trimmed
// stdout as a bare token, used for `gh auth token` and kiro-cli discovery
//.
func ExternalCLIToken(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// KeychainItem reads a macOS Keychain generic-password item ("Claude
// Code-credentials") via the `security` CLI. Returns ok=false on any
// non-macOS platform or lookup failure -- never an error, matching the
// probe contract that discovery failures are silent misses, not faults.
func KeychainItem(ctx context.Context, service string) (string, bool) {
	out, err := ExternalCLIToken(ctx, "security", "find-generic-password", "-s", service, "-w")
	if err != nil || out == "" {
		return "", false
	}
	return out, true
}

// ParseIntEnv reads an integer environment variable, returning (0, false)
// when unset or unparsable.
func ParseIntEnv(name string) (int, bool) {
	v, ok := FromEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v.AccessToken)
	if err != nil {
		return 0, false
	}
	return n, true
}
