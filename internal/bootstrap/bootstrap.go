// Package bootstrap wires the controller's collaborators together, adapted
// from bootstrap.Bootstrap: probes, Aggregator, Cooldown
// Manager, Lock Coordinator, optional selection-history backend, and the
// Selector itself, resolved from the process environment and agent home
// directory. Loading the host's own mapping config stays the host's job
//; this package only prepares everything around it.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/pi-agent/model-selector/internal/aggregator"
	"github.com/pi-agent/model-selector/internal/config"
	"github.com/pi-agent/model-selector/internal/cooldown"
	"github.com/pi-agent/model-selector/internal/history"
	"github.com/pi-agent/model-selector/internal/host"
	"github.com/pi-agent/model-selector/internal/lock"
	"github.com/pi-agent/model-selector/internal/logging"
	"github.com/pi-agent/model-selector/internal/probe"
	"github.com/pi-agent/model-selector/internal/selector"
)

// Result is what Bootstrap produced: a ready-to-run Selector plus the
// resolved directories a CLI front-end also needs.
type Result struct {
	Selector  *selector.Selector
	Cooldowns *cooldown.Manager
	Locks     *lock.Coordinator
	History   history.Backend // nil unless MODEL_SELECTOR_HISTORY_DSN is set
	HomeDir   string
}

// Bootstrap initializes every controller collaborator around the given
// host callback surface. homeDir, if empty, resolves to $HOME/.pi
// (the same directory probes use to find provider credential files).
func Bootstrap(h host.Host, homeDir string) (*Result, error) {
	if errLoad := godotenv.Load(); errLoad != nil && !os.IsNotExist(errLoad) {
		logging.Warnf("model-selector: failed to load .env file: %v", errLoad)
	}

	if homeDir == "" {
		resolved, err := defaultHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		homeDir = resolved
	}
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create agent home directory %s: %w", homeDir, err)
	}

	if err := config.LoadOverrides(homeDir); err != nil {
		logging.Warnf("model-selector: failed to load overrides: %v", err)
	}

	ApplyEnvOverrides()

	probes, err := buildProbes()
	if err != nil {
		return nil, fmt.Errorf("failed to build probes: %w", err)
	}
	agg := aggregator.New(probes)

	cooldowns := cooldown.New(homeDir)
	if err := cooldowns.LoadPersistedCooldowns(); err != nil {
		logging.Warnf("model-selector: failed to load persisted cooldowns: %v", err)
	}

	locks := lock.New(filepath.Join(homeDir, "model-selector-locks"))

	historyBackend, err := history.NewBackend(history.BackendConfig{DSN: os.Getenv("MODEL_SELECTOR_HISTORY_DSN")})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize selection-history backend: %w", err)
	}
	if historyBackend != nil {
		if err := historyBackend.Start(); err != nil {
			return nil, fmt.Errorf("failed to start selection-history backend: %w", err)
		}
	}

	deps := probe.Deps{AuthStore: h.Auth(), HomeDir: homeDir}
	sel := selector.New(agg, cooldowns, locks, h, deps, historyBackend)

	return &Result{
		Selector:  sel,
		Cooldowns: cooldowns,
		Locks:     locks,
		History:   historyBackend,
		HomeDir:   homeDir,
	}, nil
}

// Shutdown releases held locks and flushes the selection-history backend.
// Callers should defer this once at process exit.
func (r *Result) Shutdown() {
	r.Locks.ReleaseAll()
	if r.History != nil {
		if err := r.History.Stop(); err != nil {
			logging.Warnf("model-selector: failed to stop history backend cleanly: %v", err)
		}
	}
}

func defaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pi"), nil
}

// buildProbes constructs all seven providers' probes in the Aggregator's
// fixed registration order. A probe whose constructor fails
// (e.g. a malformed static config) is logged and skipped rather than
// aborting the whole bootstrap -- the Aggregator tolerates a short probe
// list the same way it tolerates any individual probe failing at runtime.
func buildProbes() ([]probe.Probe, error) {
	var out []probe.Probe

	claude, err := probe.NewClaudeProbe()
	if err != nil {
		logging.Warnf("model-selector: claude probe unavailable: %v", err)
	} else {
		out = append(out, claude)
	}

	copilot, err := probe.NewCopilotProbe()
	if err != nil {
		logging.Warnf("model-selector: copilot probe unavailable: %v", err)
	} else {
		out = append(out, copilot)
	}

	gemini, err := probe.NewGeminiProbe()
	if err != nil {
		logging.Warnf("model-selector: gemini probe unavailable: %v", err)
	} else {
		out = append(out, gemini)
	}

	codex, err := probe.NewCodexProbe()
	if err != nil {
		logging.Warnf("model-selector: codex probe unavailable: %v", err)
	} else {
		out = append(out, codex)
	}

	antigravity, err := probe.NewAntigravityProbe()
	if err != nil {
		logging.Warnf("model-selector: antigravity probe unavailable: %v", err)
	} else {
		out = append(out, antigravity)
	}

	out = append(out, probe.NewKiroProbe())

	zai, err := probe.NewZaiProbe()
	if err != nil {
		logging.Warnf("model-selector: zai probe unavailable: %v", err)
	} else {
		out = append(out, zai)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no probes could be constructed")
	}
	return out, nil
}

// ApplyEnvOverrides applies the small set of environment knobs that make
// sense outside the host's own mapping config.
func ApplyEnvOverrides() {
	if level := os.Getenv("MODEL_SELECTOR_LOG_LEVEL"); level != "" {
		logging.SetLevel(level)
	}
	if logPath := os.Getenv("MODEL_SELECTOR_LOG_FILE"); logPath != "" {
		logging.ConfigureLogOutput(logPath)
	}
}
