package selector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pi-agent/model-selector/internal/cooldown"
	"github.com/pi-agent/model-selector/internal/host"
	"github.com/pi-agent/model-selector/internal/lock"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/probe"
)

type fakeAggregator struct {
	snapshots []model.UsageSnapshot
}

func (f *fakeAggregator) Run(_ context.Context, _ probe.Deps, _ []string) []model.UsageSnapshot {
	return f.snapshots
}

type fakeRegistry struct {
	models map[string]host.Model
}

func (r *fakeRegistry) Find(provider, id string) (*host.Model, bool) {
	m, ok := r.models[provider+"/"+id]
	if !ok {
		return nil, false
	}
	return &m, true
}
func (r *fakeRegistry) GetAvailable() []model.ModelRef { return nil }

type fakeAuth struct{}

func (fakeAuth) GetAPIKey(string) (string, bool)   { return "", false }
func (fakeAuth) Get(string) (map[string]any, bool) { return nil, false }

type fakeHost struct {
	registry     *fakeRegistry
	current      host.Model
	hasCurrent   bool
	setModelCall []host.Model
	notices      []string
}

func (h *fakeHost) Registry() host.ModelRegistry { return h.registry }
func (h *fakeHost) Auth() host.AuthStorage       { return fakeAuth{} }
func (h *fakeHost) SetModel(m host.Model) bool {
	h.setModelCall = append(h.setModelCall, m)
	h.current = m
	h.hasCurrent = true
	return true
}
func (h *fakeHost) Notify(_ host.NotifyLevel, message string) {
	h.notices = append(h.notices, message)
}
func (h *fakeHost) CurrentModel() (host.Model, bool) { return h.current, h.hasCurrent }

func newTestSelector(t *testing.T, snaps []model.UsageSnapshot, registry map[string]host.Model) (*Selector, *fakeHost) {
	t.Helper()
	dir := t.TempDir()
	h := &fakeHost{registry: &fakeRegistry{models: registry}}
	s := New(&fakeAggregator{snapshots: snaps}, cooldown.New(dir), lock.New(dir), h, probe.Deps{}, nil)
	return s, h
}

func mapping(provider, window, mProvider, mID string, reserve int) model.MappingEntry {
	return model.MappingEntry{
		Usage:   model.UsageSelector{Provider: provider, Window: window},
		Model:   &model.ModelRef{Provider: mProvider, ID: mID},
		Reserve: reserve,
	}
}

func TestSelectorAppliesBestCandidate(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderAnthropic, Windows: []model.RateWindow{{Label: "5h", UsedPercent: 80}}},
		{Provider: model.ProviderGemini, Windows: []model.RateWindow{{Label: "Daily", UsedPercent: 10}}},
	}
	cfg := model.LoadedConfig{Mappings: []model.MappingEntry{
		mapping("anthropic", "5h", "anthropic", "claude-sonnet-4-5", 0),
		mapping("gemini", "Daily", "gemini", "gemini-2.5-pro", 0),
	}}
	registry := map[string]host.Model{
		"anthropic/claude-sonnet-4-5": {Provider: "anthropic", ID: "claude-sonnet-4-5"},
		"gemini/gemini-2.5-pro":       {Provider: "gemini", ID: "gemini-2.5-pro"},
	}
	s, h := newTestSelector(t, snaps, registry)

	res := s.Run(context.Background(), ReasonAuto, cfg, Options{})
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.Reason)
	}
	if res.Model.Provider != "gemini" || res.Model.ID != "gemini-2.5-pro" {
		t.Fatalf("expected gemini (10%% used) to win over anthropic (80%% used), got %+v", res.Model)
	}
	if len(h.setModelCall) != 1 {
		t.Fatalf("expected exactly one SetModel call, got %d", len(h.setModelCall))
	}
}

func TestSelectorHandles429WithCooldownAndNoSecondWarning(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderAnthropic, Account: "auth.json", Error: "HTTP 429"},
		{Provider: model.ProviderGemini, Windows: []model.RateWindow{{Label: "Daily", UsedPercent: 5}}},
	}
	cfg := model.LoadedConfig{Mappings: []model.MappingEntry{
		mapping("gemini", "Daily", "gemini", "gemini-2.5-pro", 0),
	}}
	registry := map[string]host.Model{"gemini/gemini-2.5-pro": {Provider: "gemini", ID: "gemini-2.5-pro"}}
	s, h := newTestSelector(t, snaps, registry)

	res := s.Run(context.Background(), ReasonAuto, cfg, Options{})
	if !res.Success {
		t.Fatalf("expected success despite the 429, got failure: %s", res.Reason)
	}

	pausedWarnings := 0
	for _, n := range h.notices {
		if strings.Contains(n, "paused 1 hour") {
			pausedWarnings++
		}
	}
	if pausedWarnings != 1 {
		t.Fatalf("expected exactly one paused warning, got %d (%v)", pausedWarnings, h.notices)
	}

	key := model.WildcardCooldownKey("anthropic", "auth.json")
	if !s.cooldowns.IsOnCooldown(model.UsageCandidate{Provider: model.ProviderAnthropic, Account: "auth.json"}, time.Now()) {
		t.Fatalf("expected %s to be on cooldown after the 429", key)
	}
}

func TestSelectorFallsBackWhenExhausted(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderAnthropic, Windows: []model.RateWindow{{Label: "5h", UsedPercent: 100}}},
	}
	cfg := model.LoadedConfig{
		Mappings: []model.MappingEntry{mapping("anthropic", "5h", "anthropic", "claude-sonnet-4-5", 0)},
		Fallback: &model.FallbackEntry{Model: model.ModelRef{Provider: "openai", ID: "gpt-4o-mini"}},
	}
	registry := map[string]host.Model{
		"anthropic/claude-sonnet-4-5": {Provider: "anthropic", ID: "claude-sonnet-4-5"},
		"openai/gpt-4o-mini":          {Provider: "openai", ID: "gpt-4o-mini"},
	}
	s, h := newTestSelector(t, snaps, registry)

	res := s.Run(context.Background(), ReasonAuto, cfg, Options{})
	if !res.Success {
		t.Fatalf("expected fallback success, got failure: %s", res.Reason)
	}
	if res.Model.Provider != "openai" || res.Model.ID != "gpt-4o-mini" {
		t.Fatalf("expected the fallback model, got %+v", res.Model)
	}
	found := false
	for _, n := range h.notices {
		if strings.Contains(n, "last-resort") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a last-resort notification, got %v", h.notices)
	}
}

// A fallback with locking required (the default) must not be force-applied
// when its lock is already held by another instance -- it should fail
// instead of silently violating the other instance's exclusive hold.
func TestSelectorFallbackWithRequiredLockFailsWhenLockContended(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderAnthropic, Windows: []model.RateWindow{{Label: "5h", UsedPercent: 100}}},
	}
	cfg := model.LoadedConfig{
		Mappings: []model.MappingEntry{mapping("anthropic", "5h", "anthropic", "claude-sonnet-4-5", 0)},
		Fallback: &model.FallbackEntry{Model: model.ModelRef{Provider: "openai", ID: "gpt-4o-mini"}},
	}
	registry := map[string]host.Model{
		"anthropic/claude-sonnet-4-5": {Provider: "anthropic", ID: "claude-sonnet-4-5"},
		"openai/gpt-4o-mini":          {Provider: "openai", ID: "gpt-4o-mini"},
	}

	dir := t.TempDir()
	other := lock.New(dir)
	if _, err := other.Acquire(model.LockKey(cfg.Fallback.Model), 0); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	h := &fakeHost{registry: &fakeRegistry{models: registry}}
	s := New(&fakeAggregator{snapshots: snaps}, cooldown.New(dir), lock.New(dir), h, probe.Deps{}, nil)

	res := s.Run(context.Background(), ReasonAuto, cfg, Options{AcquireModelLock: true})
	if res.Success {
		t.Fatalf("expected failure when the required-lock fallback's lock is held elsewhere, got success: %+v", res.Model)
	}
	if len(h.setModelCall) != 0 {
		t.Fatalf("expected SetModel never called when the fallback lock could not be acquired, got %v", h.setModelCall)
	}
}

// The same contention, but with Lock explicitly set to false: the fallback
// is exempt from locking entirely, so it applies even though another
// instance holds (what would have been) its lock key.
func TestSelectorFallbackWithoutLockRequiredAppliesDespiteContention(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderAnthropic, Windows: []model.RateWindow{{Label: "5h", UsedPercent: 100}}},
	}
	noLock := false
	cfg := model.LoadedConfig{
		Mappings: []model.MappingEntry{mapping("anthropic", "5h", "anthropic", "claude-sonnet-4-5", 0)},
		Fallback: &model.FallbackEntry{Model: model.ModelRef{Provider: "openai", ID: "gpt-4o-mini"}, Lock: &noLock},
	}
	registry := map[string]host.Model{
		"anthropic/claude-sonnet-4-5": {Provider: "anthropic", ID: "claude-sonnet-4-5"},
		"openai/gpt-4o-mini":          {Provider: "openai", ID: "gpt-4o-mini"},
	}

	dir := t.TempDir()
	other := lock.New(dir)
	if _, err := other.Acquire(model.LockKey(cfg.Fallback.Model), 0); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	h := &fakeHost{registry: &fakeRegistry{models: registry}}
	s := New(&fakeAggregator{snapshots: snaps}, cooldown.New(dir), lock.New(dir), h, probe.Deps{}, nil)

	res := s.Run(context.Background(), ReasonAuto, cfg, Options{AcquireModelLock: true})
	if !res.Success {
		t.Fatalf("expected the lock-exempt fallback to apply despite contention, got failure: %s", res.Reason)
	}
	if res.Model.Provider != "openai" || res.Model.ID != "gpt-4o-mini" {
		t.Fatalf("expected the fallback model, got %+v", res.Model)
	}
}

func TestSelectorFailsWithoutFallbackWhenExhausted(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderAnthropic, Windows: []model.RateWindow{{Label: "5h", UsedPercent: 100}}},
	}
	cfg := model.LoadedConfig{Mappings: []model.MappingEntry{mapping("anthropic", "5h", "anthropic", "claude-sonnet-4-5", 0)}}
	registry := map[string]host.Model{"anthropic/claude-sonnet-4-5": {Provider: "anthropic", ID: "claude-sonnet-4-5"}}
	s, h := newTestSelector(t, snaps, registry)

	res := s.Run(context.Background(), ReasonAuto, cfg, Options{})
	if res.Success {
		t.Fatal("expected failure when every candidate is exhausted and there is no fallback")
	}
	found := false
	for _, n := range h.notices {
		if strings.Contains(n, "exhausted") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an exhaustion notification, got %v", h.notices)
	}
}

func TestSelectorLockContentionFallsThroughToNextCandidate(t *testing.T) {
	snaps := []model.UsageSnapshot{
		{Provider: model.ProviderAnthropic, Windows: []model.RateWindow{{Label: "5h", UsedPercent: 10}}},
		{Provider: model.ProviderGemini, Windows: []model.RateWindow{{Label: "Daily", UsedPercent: 20}}},
	}
	cfg := model.LoadedConfig{Mappings: []model.MappingEntry{
		mapping("anthropic", "5h", "anthropic", "claude-sonnet-4-5", 0),
		mapping("gemini", "Daily", "gemini", "gemini-2.5-pro", 0),
	}}
	registry := map[string]host.Model{
		"anthropic/claude-sonnet-4-5": {Provider: "anthropic", ID: "claude-sonnet-4-5"},
		"gemini/gemini-2.5-pro":       {Provider: "gemini", ID: "gemini-2.5-pro"},
	}

	dir := t.TempDir()
	// Pre-acquire the top candidate's lock from another instance to force
	// contention.
	other := lock.New(dir)
	other.Acquire("anthropic/claude-sonnet-4-5", 0)

	h := &fakeHost{registry: &fakeRegistry{models: registry}}
	s := New(&fakeAggregator{snapshots: snaps}, cooldown.New(dir), lock.New(dir), h, probe.Deps{}, nil)

	res := s.Run(context.Background(), ReasonAuto, cfg, Options{AcquireModelLock: true})
	if !res.Success {
		t.Fatalf("expected success by falling through to gemini, got failure: %s", res.Reason)
	}
	if res.Model.Provider != "gemini" {
		t.Fatalf("expected gemini after anthropic's lock was contended, got %+v", res.Model)
	}
}

func TestEffectiveDisabledProvidersIncludesUnmapped(t *testing.T) {
	cfg := model.LoadedConfig{
		Mappings:          []model.MappingEntry{mapping("anthropic", "5h", "anthropic", "claude-sonnet-4-5", 0)},
		DisabledProviders: []string{"zai"},
	}
	disabled := effectiveDisabledProviders(cfg)
	set := map[string]bool{}
	for _, p := range disabled {
		set[p] = true
	}
	if !set["zai"] {
		t.Fatal("explicitly disabled provider should be in the effective set")
	}
	if !set["codex"] {
		t.Fatal("a provider with no mapping at all should be implicitly disabled")
	}
	if set["anthropic"] {
		t.Fatal("a mapped, non-disabled provider must not appear")
	}
}
