// Package selector implements the selector: the
// orchestration entry point that drives the Aggregator, Candidate Builder,
// Ranker, Cooldown Manager and Lock Coordinator to pick and apply one
// model per call.
package selector

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/pi-agent/model-selector/internal/candidate"
	"github.com/pi-agent/model-selector/internal/config"
	"github.com/pi-agent/model-selector/internal/cooldown"
	"github.com/pi-agent/model-selector/internal/history"
	"github.com/pi-agent/model-selector/internal/host"
	"github.com/pi-agent/model-selector/internal/lock"
	"github.com/pi-agent/model-selector/internal/logging"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/probe"
	"github.com/pi-agent/model-selector/internal/rank"
)

// Reason is why runSelector was invoked.
type Reason string

const (
	ReasonStartup Reason = "startup"
	ReasonCommand Reason = "command"
	ReasonAuto    Reason = "auto"
	ReasonRequest Reason = "request"
)

// Options tunes one runSelector call.
type Options struct {
	AcquireModelLock bool
	WaitForModelLock bool
	// PreloadedSnapshots lets print-mode callers skip a live Aggregator run
	//.
	PreloadedSnapshots []model.UsageSnapshot
}

// Result is what one runSelector call produced.
type Result struct {
	Success bool
	Model   host.Model
	Reason  string
}

// Selector wires the Aggregator, Cooldown Manager, and Lock Coordinator
// behind the single runSelector entry point. Only one Run call may be
// in-flight at a time per the host's single-threaded calling contract
//; Selector does not enforce this itself.
type Selector struct {
	aggregator interface {
		Run(ctx context.Context, deps probe.Deps, disabled []string) []model.UsageSnapshot
	}
	cooldowns *cooldown.Manager
	locks     *lock.Coordinator
	host      host.Host
	deps      probe.Deps
	history   history.Backend // optional; nil disables recording entirely

	heartbeat *heartbeatState
}

// New builds a Selector over its collaborators. history may be nil, in
// which case selection decisions are simply not recorded.
func New(aggregator interface {
	Run(ctx context.Context, deps probe.Deps, disabled []string) []model.UsageSnapshot
}, cooldowns *cooldown.Manager, locks *lock.Coordinator, h host.Host, deps probe.Deps, historyBackend history.Backend) *Selector {
	return &Selector{aggregator: aggregator, cooldowns: cooldowns, locks: locks, host: h, deps: deps, history: historyBackend}
}

// Run executes one full runSelector pass.
func (s *Selector) Run(ctx context.Context, reason Reason, cfg model.LoadedConfig, opts Options) Result {
	now := time.Now()

	// 1. Config + cooldowns.
	if err := s.cooldowns.LoadPersistedCooldowns(); err != nil {
		return s.fail(reason, fmt.Sprintf("failed to load cooldown state: %v", err))
	}
	s.cooldowns.PruneExpiredCooldowns(now)

	// 2. Usage.
	snapshots := opts.PreloadedSnapshots
	fresh := snapshots == nil
	if fresh {
		disabled := effectiveDisabledProviders(cfg)
		snapshots = s.aggregator.Run(ctx, s.deps, disabled)
	}

	// 3. 429 handling.
	s.handleRateLimits(cfg, snapshots, now)

	// 4. Other errors (fresh fetches only).
	if fresh {
		s.warnOtherErrors(cfg, snapshots, now)
	}

	// 5. Candidates: build, drop ignored, drop cooldown-matching, retry once
	// if cooldowns alone emptied the set.
	candidates, failMsg := s.buildFilteredCandidates(cfg, snapshots, now)
	if candidates == nil {
		return s.fail(reason, failMsg)
	}

	// 6. Widget payload: ranked display candidates including 0%-used ones.
	// Constructing and delivering the payload to the widget subsystem is a
	// host-side UI concern outside this module's scope; we only
	// compute the ranked view callers may use for that purpose.
	ranked := rank.Order(candidates, cfg.EffectivePriority())

	// 7. Exhaustion -> fallback.
	usable := dropExhausted(ranked)
	if len(usable) == 0 {
		return s.selectFallbackOrFail(ctx, reason, cfg, opts, "all exhausted")
	}

	// 8. Ranked selection.
	winner, runnerUp, lockReason, waitReason, usedFallback, ok := s.selectRanked(ctx, usable, cfg, opts)
	if !ok {
		return s.selectFallbackOrFail(ctx, reason, cfg, opts, "no candidate available")
	}

	// 9. Apply selection.
	var m host.Model
	var lockKey string
	if usedFallback {
		m = host.Model{Provider: cfg.Fallback.Model.Provider, ID: cfg.Fallback.Model.ID}
		lockKey = model.LockKey(cfg.Fallback.Model)
	} else {
		mr, ok := s.resolveMapping(winner)
		if !ok {
			return s.fail(reason, "winning candidate has no resolvable model")
		}
		m = mr
		lockKey = model.LockKey(model.ModelRef{Provider: m.Provider, ID: m.ID})
	}
	s.applySelection(m, lockKey)

	// 10. setLastSelectedKey.
	if usedFallback {
		s.cooldowns.SetLastSelectedKey("fallback:" + model.LockKey(cfg.Fallback.Model))
	} else {
		s.cooldowns.SetLastSelectedKey(winner.Key())
	}
	_ = s.cooldowns.PersistCooldowns()

	// 11. Notification.
	notif := composeNotification(lockReason, waitReason, selectionReason(winner, runnerUp))
	s.host.Notify(host.NotifyInfo, notif)

	s.recordDecision(m, winner.WindowLabel, 1, notif, true)
	return Result{Success: true, Model: m, Reason: notif}
}

// ProbeOnce runs the Aggregator directly, bypassing cooldowns/ranking/
// selection entirely -- a debug aid for `selectorctl probe`, which has no
// widget to hand snapshots to.
func (s *Selector) ProbeOnce(ctx context.Context) []model.UsageSnapshot {
	return s.aggregator.Run(ctx, s.deps, nil)
}

// recordDecision enqueues one selection outcome to the optional history
// backend. A nil backend makes this a no-op.
func (s *Selector) recordDecision(m host.Model, windowLabel string, rank int, reason string, success bool) {
	if s.history == nil {
		return
	}
	s.history.Enqueue(history.Decision{
		Provider:    m.Provider,
		Model:       m.ID,
		WindowLabel: windowLabel,
		Rank:        rank,
		Reason:      reason,
		Success:     success,
		DecidedAt:   time.Now(),
	})
}

// effectiveDisabledProviders is explicit disabled union providers with no
// matching mapping at all.
func effectiveDisabledProviders(cfg model.LoadedConfig) []string {
	explicit := map[string]bool{}
	for _, p := range cfg.DisabledProviders {
		explicit[p] = true
	}
	mapped := map[string]bool{}
	for _, m := range cfg.Mappings {
		mapped[m.Usage.Provider] = true
	}
	var out []string
	for _, p := range model.AllProviders {
		if explicit[string(p)] {
			out = append(out, string(p))
			continue
		}
		if !mapped[string(p)] {
			out = append(out, string(p))
		}
	}
	return out
}

func (s *Selector) handleRateLimits(cfg model.LoadedConfig, snapshots []model.UsageSnapshot, now time.Time) {
	updated := map[string]bool{}
	for _, snap := range snapshots {
		if snap.Error == "" || !cooldown.IsRateLimitError(snap.Error) {
			continue
		}
		if isIgnoredProvider(cfg, string(snap.Provider), snap.Account) {
			continue
		}
		if s.cooldowns.SetOrExtendProviderCooldown(string(snap.Provider), snap.Account, now) {
			updated[string(snap.Provider)] = true
		}
	}
	if len(updated) == 0 {
		return
	}
	_ = s.cooldowns.PersistCooldowns()
	for p := range updated {
		s.host.Notify(host.NotifyWarning, fmt.Sprintf("%s paused 1 hour", p))
	}
}

func (s *Selector) warnOtherErrors(cfg model.LoadedConfig, snapshots []model.UsageSnapshot, now time.Time) {
	for _, snap := range snapshots {
		if snap.Error == "" || cooldown.IsRateLimitError(snap.Error) {
			continue
		}
		if isIgnoredProvider(cfg, string(snap.Provider), snap.Account) {
			continue
		}
		wildcard := model.UsageCandidate{Provider: snap.Provider, Account: snap.Account}
		if s.cooldowns.IsOnCooldown(wildcard, now) {
			continue
		}
		s.host.Notify(host.NotifyWarning, fmt.Sprintf("%s: %s", snap.Provider, snap.Error))
	}
}

func isIgnoredProvider(cfg model.LoadedConfig, provider, account string) bool {
	for _, m := range cfg.Mappings {
		if !m.Ignore || m.Usage.Provider != provider {
			continue
		}
		if m.Usage.Account == "" || m.Usage.Account == account {
			return true
		}
	}
	return false
}

// buildFilteredCandidates runs step 5, including the clear-cooldowns-and-
// retry-once behavior when cooldowns alone emptied the filtered set.
func (s *Selector) buildFilteredCandidates(cfg model.LoadedConfig, snapshots []model.UsageSnapshot, now time.Time) ([]model.UsageCandidate, string) {
	raw := candidate.Build(snapshots, cfg.Mappings)
	if len(raw) == 0 {
		return nil, "no usage windows"
	}

	notIgnored := filterNotIgnored(raw)
	if len(notIgnored) == 0 {
		return nil, "all buckets ignored"
	}

	filtered := s.filterNotOnCooldown(notIgnored, now)
	if len(filtered) > 0 {
		return filtered, ""
	}

	// Every surviving candidate was dropped solely by cooldowns: clear and
	// retry once.
	s.cooldowns.Clear()
	_ = s.cooldowns.PersistCooldowns()
	filtered = s.filterNotOnCooldown(notIgnored, now)
	if len(filtered) == 0 {
		return nil, "no usage windows"
	}
	return filtered, ""
}

func filterNotIgnored(candidates []model.UsageCandidate) []model.UsageCandidate {
	var out []model.UsageCandidate
	for _, c := range candidates {
		if !c.Ignored {
			out = append(out, c)
		}
	}
	return out
}

func (s *Selector) filterNotOnCooldown(candidates []model.UsageCandidate, now time.Time) []model.UsageCandidate {
	var out []model.UsageCandidate
	for _, c := range candidates {
		if !s.cooldowns.IsOnCooldown(c, now) {
			out = append(out, c)
		}
	}
	return out
}

func dropExhausted(ranked []model.UsageCandidate) []model.UsageCandidate {
	var out []model.UsageCandidate
	for _, c := range ranked {
		if c.RemainingPercent > 0 && !c.Exhausted {
			out = append(out, c)
		}
	}
	return out
}

// selectRanked implements step 8: either the plain rank[0] winner, or a
// lock-walk over ranked candidates (plus the fallback as last resort) when
// acquireModelLock is requested.
func (s *Selector) selectRanked(ctx context.Context, ranked []model.UsageCandidate, cfg model.LoadedConfig, opts Options) (winner, runnerUp model.UsageCandidate, lockReason, waitReason string, usedFallback bool, ok bool) {
	if len(ranked) > 1 {
		runnerUp = ranked[1]
	}
	if !opts.AcquireModelLock {
		return ranked[0], runnerUp, "", "", false, true
	}

	type attempt struct {
		c          model.UsageCandidate
		lockKey    string
		isFallback bool
	}
	var attempts []attempt
	for _, c := range ranked {
		mr, ok := s.resolveMapping(c)
		if !ok {
			continue
		}
		attempts = append(attempts, attempt{c: c, lockKey: model.LockKey(model.ModelRef{Provider: mr.Provider, ID: mr.ID})})
	}
	if cfg.Fallback != nil && cfg.Fallback.LockRequired() {
		attempts = append(attempts, attempt{
			c:          model.UsageCandidate{WindowLabel: "fallback", Provider: model.Provider(cfg.Fallback.Model.Provider)},
			lockKey:    model.LockKey(cfg.Fallback.Model),
			isFallback: true,
		})
	}

	for rankIdx, a := range attempts {
		res, err := s.locks.Acquire(a.lockKey, 0)
		if err == nil && res.Acquired {
			lockReason = fmt.Sprintf("first unlocked model (rank #%d)", rankIdx+1)
			return a.c, runnerUp, lockReason, "", a.isFallback, true
		}
	}

	if opts.WaitForModelLock {
		start := time.Now()
		deadline := start.Add(config.WaitForModelLockMaxWait)
		limiter := rate.NewLimiter(rate.Every(config.WaitForModelLockPollInterval), 1)
		for time.Now().Before(deadline) {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
			for rankIdx, a := range attempts {
				res, err := s.locks.Acquire(a.lockKey, 0)
				if err == nil && res.Acquired {
					waitReason = fmt.Sprintf("waited %.1fs for lock", time.Since(start).Seconds())
					lockReason = fmt.Sprintf("first unlocked model (rank #%d)", rankIdx+1)
					return a.c, runnerUp, lockReason, waitReason, a.isFallback, true
				}
			}
		}
	}

	if cfg.Fallback != nil && !cfg.Fallback.LockRequired() {
		return model.UsageCandidate{WindowLabel: "fallback", Provider: model.Provider(cfg.Fallback.Model.Provider)}, runnerUp, "", "", true, true
	}
	return model.UsageCandidate{}, model.UsageCandidate{}, "", "", false, false
}

// selectFallbackOrFail applies the fallback model when no ranked candidate
// is usable. A fallback whose lock is required is never force-applied: its
// lock must actually be acquired here (one immediate attempt, plus a wait
// loop if requested) exactly as selectRanked attempts it when the fallback
// is still in the ranked attempt list, mirroring the unlocked-fallback
// carve-out ("use the fallback without a lock" only applies when
// fallback.lock == false).
func (s *Selector) selectFallbackOrFail(ctx context.Context, reason Reason, cfg model.LoadedConfig, opts Options, why string) Result {
	if cfg.Fallback == nil {
		return s.fail(reason, why)
	}
	m := host.Model{Provider: cfg.Fallback.Model.Provider, ID: cfg.Fallback.Model.ID}
	lockKey := model.LockKey(cfg.Fallback.Model)

	if cfg.Fallback.LockRequired() {
		acquired, err := s.locks.Acquire(lockKey, 0)
		ok := err == nil && acquired.Acquired
		if !ok && opts.WaitForModelLock {
			ok = s.waitForLock(ctx, lockKey)
		}
		if !ok {
			return s.fail(reason, fmt.Sprintf("%s; fallback lock unavailable", why))
		}
	}

	s.applySelection(m, lockKey)
	s.cooldowns.SetLastSelectedKey("fallback:" + lockKey)
	_ = s.cooldowns.PersistCooldowns()
	notif := fmt.Sprintf("last-resort model selected: %s", lockKey)
	s.host.Notify(host.NotifyWarning, notif)
	s.recordDecision(m, "fallback", 0, notif, true)
	return Result{Success: true, Model: m, Reason: notif}
}

// waitForLock polls a single lock key until it becomes acquirable or
// config.WaitForModelLockMaxWait elapses, the single-key counterpart of
// selectRanked's multi-candidate wait loop.
func (s *Selector) waitForLock(ctx context.Context, lockKey string) bool {
	deadline := time.Now().Add(config.WaitForModelLockMaxWait)
	limiter := rate.NewLimiter(rate.Every(config.WaitForModelLockPollInterval), 1)
	for time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
		res, err := s.locks.Acquire(lockKey, 0)
		if err == nil && res.Acquired {
			return true
		}
	}
	return false
}

// resolveMapping returns the host.Model a candidate's mapping resolves to,
// if any (a resolvable (mapping.model, modelRegistry.find) pair).
func (s *Selector) resolveMapping(c model.UsageCandidate) (host.Model, bool) {
	if c.Mapping == nil {
		return host.Model{}, false
	}
	found, ok := s.host.Registry().Find(c.Mapping.Model.Provider, c.Mapping.Model.ID)
	if !ok || found == nil {
		return host.Model{}, false
	}
	return *found, true
}

// applySelection implements step 9: set the host model if it changed,
// release any stale previously-held lock, and start the heartbeat on the
// new one.
func (s *Selector) applySelection(m host.Model, lockKey string) {
	current, hasCurrent := s.host.CurrentModel()
	// A host-reported model that differs from any mapped model is treated
	// as "not already selected".
	alreadySet := hasCurrent && current.Provider == m.Provider && current.ID == m.ID
	if !alreadySet {
		s.host.SetModel(m)
	}

	if s.heartbeat != nil && s.heartbeat.key != lockKey {
		s.heartbeat.stop()
		_ = s.locks.Release(s.heartbeat.key)
	}
	if s.heartbeat == nil || s.heartbeat.key != lockKey {
		s.heartbeat = startHeartbeat(s.locks, lockKey)
	}
}

// fail implements the orchestrator's error handling: a previously-held
// lock's heartbeat (s.heartbeat) is deliberately left running here so the
// process doesn't abandon a lock it still holds against the host.
func (s *Selector) fail(reason Reason, message string) Result {
	logging.Errorf("model-selector: selection failed (reason=%s): %s", reason, message)
	phrase := message
	if reason == ReasonRequest {
		phrase = "couldn't pick a model right now: " + message
	}
	s.host.Notify(host.NotifyError, phrase)
	s.recordDecision(host.Model{}, "", 0, phrase, false)
	return Result{Success: false, Reason: phrase}
}

func composeNotification(lockReason, waitReason, selectionReason string) string {
	out := selectionReason
	if lockReason != "" {
		out = lockReason + "; " + out
	}
	if waitReason != "" {
		out = waitReason + "; " + out
	}
	return out
}

// selectionReason derives a reason string from comparing the winner's
// priority keys against the runner-up's.
func selectionReason(winner, runnerUp model.UsageCandidate) string {
	if runnerUp.WindowLabel == "" && runnerUp.Provider == "" {
		return fmt.Sprintf("%s/%s selected (only candidate)", winner.Provider, winner.WindowLabel)
	}
	if winner.UsedPercent == 0 && runnerUp.UsedPercent > 0 {
		return fmt.Sprintf("%s/%s selected (fully available)", winner.Provider, winner.WindowLabel)
	}
	if winner.RemainingPercent != runnerUp.RemainingPercent {
		return fmt.Sprintf("%s/%s selected (%.0f%% remaining vs %.0f%%)", winner.Provider, winner.WindowLabel, winner.RemainingPercent, runnerUp.RemainingPercent)
	}
	return fmt.Sprintf("%s/%s selected (earliest reset)", winner.Provider, winner.WindowLabel)
}
