// Package aggregator implements the aggregator: fan out
// every enabled probe concurrently under a single global deadline,
// collecting and ordering their snapshots.
package aggregator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pi-agent/model-selector/internal/config"
	"github.com/pi-agent/model-selector/internal/logging"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/perr"
	"github.com/pi-agent/model-selector/internal/probe"
)

// Aggregator runs the registered probes, skipping disabled providers, and
// preserves probe registration order in its output.
type Aggregator struct {
	probes []probe.Probe
	health *Health
}

// New builds an Aggregator over probes in registration order (anthropic,
// copilot, gemini, codex, antigravity, kiro, zai).
func New(probes []probe.Probe) *Aggregator {
	return &Aggregator{probes: probes, health: NewHealth()}
}

// Run fans out every probe not in disabledProviders, wrapping each in a
// 12000ms outer deadline. A probe that doesn't return
// before its own slot's deadline yields a synthetic {error:"Timeout"}
// snapshot instead of blocking the whole aggregation.
func (a *Aggregator) Run(ctx context.Context, deps probe.Deps, disabledProviders []string) []model.UsageSnapshot {
	ctx, cancel := context.WithTimeout(ctx, config.AggregatorDeadline)
	defer cancel()

	disabled := toSet(disabledProviders)
	order := a.fanOutOrder()

	results := make([][]model.UsageSnapshot, len(a.probes))
	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range order {
		idx := idx
		p := a.probes[idx]
		if disabled[string(p.ID())] {
			continue
		}
		g.Go(func() error {
			results[idx] = a.runOne(gctx, p, deps)
			return nil
		})
	}
	_ = g.Wait()

	var out []model.UsageSnapshot
	for _, snaps := range results {
		out = append(out, snaps...)
	}
	return out
}

// runOne executes one probe, recording its outcome in the Health tracker
// and collapsing a context deadline into the canonical timeout snapshot.
func (a *Aggregator) runOne(ctx context.Context, p probe.Probe, deps probe.Deps) []model.UsageSnapshot {
	start := time.Now()
	done := make(chan []model.UsageSnapshot, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				// A probe must never panic out of the aggregator boundary
				//; collapse into an error
				// snapshot instead of crashing the whole selection run.
				logging.Errorf("model-selector: probe %s panicked: %v", p.ID(), r)
				done <- []model.UsageSnapshot{{Provider: p.ID(), Error: "Timeout"}}
				return
			}
		}()
		done <- p.Fetch(ctx, deps)
	}()

	select {
	case snaps := <-done:
		a.health.Record(p.ID(), snapshotsOK(snaps), time.Since(start))
		return snaps
	case <-ctx.Done():
		a.health.Record(p.ID(), false, time.Since(start))
		return []model.UsageSnapshot{{Provider: p.ID(), Error: perr.Timeout().Message}}
	}
}

func snapshotsOK(snaps []model.UsageSnapshot) bool {
	for _, s := range snaps {
		if s.Error == "" {
			return true
		}
	}
	return len(snaps) == 0
}

// fanOutOrder returns probe indices ordered by recent health (fastest,
// recently-healthy providers first) so their snapshots are ready earliest
// for downstream processing. This never changes the *output* order (still
// registration order) or the Ranker's own priority-key ordering -- only
// the order this Aggregator schedules goroutines and logs completions
//.
func (a *Aggregator) fanOutOrder() []int {
	idx := make([]int, len(a.probes))
	for i := range idx {
		idx[i] = i
	}
	a.health.SortByHealth(idx, func(i int) model.Provider { return a.probes[i].ID() })
	return idx
}

func toSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}
