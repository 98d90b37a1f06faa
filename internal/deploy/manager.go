// Package deploy reconciles the desired set of running services against
// actual engine state with minimal disruption: restart before recreate,
// best-effort stops, readiness polling before a mode is committed.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/config"
	"cyber-agent-runner/internal/engine"
)

// Engine is the container-engine surface the manager needs. *engine.Docker
// satisfies it; tests inject fakes.
type Engine interface {
	ListContainers(ctx context.Context) ([]engine.ContainerInfo, error)
	ListRunning(ctx context.Context) ([]engine.ContainerInfo, error)
	Inspect(ctx context.Context, name string) (*engine.ContainerInfo, error)
	FindByImage(ctx context.Context, image string) (*engine.ContainerInfo, error)
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	ComposeUp(ctx context.Context, services ...string) error
	ComposeBuild(ctx context.Context, services ...string) error
}

// logTapper is optionally implemented by engines that can stream raw
// command stderr. *engine.Docker implements it.
type logTapper interface {
	SetLogSink(func(string))
}

// Manager owns desired-vs-actual reconciliation for deployment modes.
type Manager struct {
	eng           Engine
	modes         map[Mode]ModeConfig
	readyInterval time.Duration
	switchTimeout time.Duration

	mu      sync.Mutex
	current Mode
}

func NewManager(cfg *config.Config, eng Engine) *Manager {
	return &Manager{
		eng:           eng,
		modes:         modeTable(cfg),
		readyInterval: cfg.Deployment.ReadyInterval,
		switchTimeout: cfg.Deployment.SwitchTimeout,
		current:       ModeNativeOnly,
	}
}

// CurrentMode returns the last successfully applied mode.
func (m *Manager) CurrentMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ServicesFor lists the services a mode requires.
func (m *Manager) ServicesFor(mode Mode) []string {
	return m.modes[mode].Services
}

// plan is the minimal change set computed against an engine snapshot.
type plan struct {
	missing      []string // required, no container in any state
	needsRestart []string // required, container exists but stopped/created
	stop         []string // running but not required by the target
}

// computePlan diffs a target mode against actual containers. The stop set
// is limited to containers belonging to a known service so unrelated
// workloads on the same engine are left alone.
func computePlan(target ModeConfig, universe []string, containers []engine.ContainerInfo) plan {
	var p plan

	for _, svc := range target.Services {
		var found, running bool
		for _, c := range containers {
			if !serviceMatches(svc, c.Name) {
				continue
			}
			found = true
			if c.Running() {
				running = true
				break
			}
		}
		switch {
		case running:
		case found:
			p.needsRestart = append(p.needsRestart, svc)
		default:
			p.missing = append(p.missing, svc)
		}
	}

	for _, c := range containers {
		if !c.Running() {
			continue
		}
		required := false
		for _, svc := range target.Services {
			if serviceMatches(svc, c.Name) {
				required = true
				break
			}
		}
		if required {
			continue
		}
		for _, svc := range universe {
			if serviceMatches(svc, c.Name) {
				p.stop = append(p.stop, c.Name)
				break
			}
		}
	}

	return p
}

// serviceMatches is deliberately fuzzy: compose decorates service names
// with project prefixes and replica suffixes.
func serviceMatches(service, containerName string) bool {
	return strings.Contains(containerName, service) || strings.Contains(service, containerName)
}

// SwitchToMode applies the minimal change set to reach target. Progress is
// reported as human-readable milestones, never raw engine output. The
// manager's mode is updated only after the target's services report Up.
func (m *Manager) SwitchToMode(ctx context.Context, target Mode, progress func(string)) error {
	if progress == nil {
		progress = func(string) {}
	}
	cfg, ok := m.modes[target]
	if !ok {
		return fmt.Errorf("unknown deployment mode %d", target)
	}

	logger := log.With().Str("target", target.String()).Logger()
	progress("Analyzing current deployment state")

	containers, err := m.eng.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("snapshotting containers: %w", err)
	}

	p := computePlan(cfg, m.universe(), containers)
	logger.Info().
		Strs("missing", p.missing).
		Strs("restart", p.needsRestart).
		Strs("stop", p.stop).
		Msg("computed deployment plan")

	if m.CurrentMode() == target && len(p.missing) == 0 && len(p.needsRestart) == 0 {
		progress("Deployment already matches " + target.String())
		return nil
	}

	if len(p.stop) > 0 {
		progress(fmt.Sprintf("Stopping %d unneeded container(s)", len(p.stop)))
		for _, name := range p.stop {
			// Best effort: one stuck container must not abort the others.
			if err := m.eng.Stop(ctx, name); err != nil {
				logger.Warn().Err(err).Str("container", name).Msg("failed to stop container")
			}
		}
	}

	if len(p.needsRestart) > 0 {
		// Restarting is cheaper than recreating and preserves volume state.
		progress(fmt.Sprintf("Restarting %d existing container(s)", len(p.needsRestart)))
		for _, svc := range p.needsRestart {
			name := m.containerNameFor(svc, containers)
			if err := m.eng.Start(ctx, name); err != nil {
				return fmt.Errorf("restarting %s: %w", name, err)
			}
		}
	}

	if len(p.missing) > 0 {
		progress(fmt.Sprintf("Creating %d missing service(s)", len(p.missing)))
		err := m.withProgressTap(progress, len(p.missing), func() error {
			return m.composeUpWithBuildFallback(ctx, progress, p.missing)
		})
		if err != nil {
			return fmt.Errorf("creating services: %w", err)
		}
	}

	if err := m.waitReady(ctx, cfg); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = target
	m.mu.Unlock()

	progress("Deployment ready: " + cfg.Description)
	return nil
}

// withProgressTap condenses raw engine stderr into phase summaries for
// the duration of fn, when the engine supports tapping.
func (m *Manager) withProgressTap(progress func(string), expected int, fn func() error) error {
	tap, ok := m.eng.(logTapper)
	if !ok {
		return fn()
	}

	agg := NewProgressAggregator(0, progress)
	agg.SetTotal(PhaseCreate, expected)
	agg.SetTotal(PhaseStart, expected)
	tap.SetLogSink(agg.Ingest)
	defer tap.SetLogSink(nil)

	err := fn()
	agg.Finalize()
	return err
}

// composeUpWithBuildFallback retries "up" once after a build if the
// failure was a missing image.
func (m *Manager) composeUpWithBuildFallback(ctx context.Context, progress func(string), services []string) error {
	err := m.eng.ComposeUp(ctx, services...)
	if err == nil {
		return nil
	}
	if !engine.ImageMissing(err) {
		return err
	}

	progress("Image missing, building before retry")
	if buildErr := m.eng.ComposeBuild(ctx, services...); buildErr != nil {
		return fmt.Errorf("building images: %w", buildErr)
	}
	return m.eng.ComposeUp(ctx, services...)
}

// waitReady polls running containers until enough required services report
// Up. Success needs min(serviceCount, 3) services; a single-service target
// needs exactly its one service.
func (m *Manager) waitReady(ctx context.Context, cfg ModeConfig) error {
	required := len(cfg.Services)
	if required > 3 {
		required = 3
	}
	if required == 0 {
		return nil
	}

	deadline := time.Now().Add(m.switchTimeout)
	ticker := time.NewTicker(m.readyInterval)
	defer ticker.Stop()

	for {
		running, err := m.eng.ListRunning(ctx)
		if err == nil {
			up := 0
			for _, svc := range cfg.Services {
				for _, c := range running {
					if serviceMatches(svc, c.Name) && c.Running() {
						up++
						break
					}
				}
			}
			if up >= required {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("deployment %s not ready after %s", cfg.Mode, m.switchTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// universe is every service any mode knows about; it bounds the stop set.
func (m *Manager) universe() []string {
	seen := make(map[string]bool)
	var all []string
	for _, cfg := range m.modes {
		for _, svc := range cfg.Services {
			if !seen[svc] {
				seen[svc] = true
				all = append(all, svc)
			}
		}
	}
	return all
}

func (m *Manager) containerNameFor(service string, containers []engine.ContainerInfo) string {
	for _, c := range containers {
		if serviceMatches(service, c.Name) {
			return c.Name
		}
	}
	return service
}
