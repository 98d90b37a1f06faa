package backend

import (
	"context"
	"sync"

	"cyber-agent-runner/internal/config"
	"cyber-agent-runner/internal/deploy"
)

// ModeSwitcher reconciles deployment modes. *deploy.Manager satisfies it.
type ModeSwitcher interface {
	CurrentMode() deploy.Mode
	SwitchToMode(ctx context.Context, target deploy.Mode, progress func(string)) error
}

// StackBackend runs the agent against the full observability stack. It
// brings the stack up first, then delegates the run itself to a
// container backend joined to the stack's network.
type StackBackend struct {
	cfg      *config.Config
	manager  ModeSwitcher
	runner   *ContainerBackend
	progress func(string)

	mu sync.Mutex
}

// NewStackBackend wires a stack backend. progress receives deployment
// milestones while the stack comes up; nil discards them.
func NewStackBackend(cfg *config.Config, manager ModeSwitcher, killer ContainerKiller, progress func(string)) *StackBackend {
	runner := NewContainerBackend(cfg, killer)
	runner.network = cfg.Deployment.ProjectName + "_default"
	if progress == nil {
		progress = func(string) {}
	}
	return &StackBackend{
		cfg:      cfg,
		manager:  manager,
		runner:   runner,
		progress: progress,
	}
}

func (b *StackBackend) Capabilities() Capabilities {
	return Capabilities{
		SupportsUserInput: true,
		RequiresEngine:    true,
	}
}

func (b *StackBackend) Active() bool {
	return b.runner.Active()
}

func (b *StackBackend) Execute(ctx context.Context, p Params) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runner.Active() {
		return nil, ErrExecutionActive
	}

	if b.manager.CurrentMode() != deploy.ModeFullStack {
		if err := b.manager.SwitchToMode(ctx, deploy.ModeFullStack, b.progress); err != nil {
			p.ensureID()
			return nil, execErr(p.ID, "bringing up stack", err)
		}
	}

	return b.runner.Execute(ctx, p)
}
