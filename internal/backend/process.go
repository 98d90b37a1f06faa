package backend

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/config"
)

// ProcessBackend runs the agent as a native child process out of a
// prepared runtime directory.
type ProcessBackend struct {
	cfg *config.Config

	mu     sync.Mutex
	handle *Handle
}

func NewProcessBackend(cfg *config.Config) *ProcessBackend {
	return &ProcessBackend{cfg: cfg}
}

func (b *ProcessBackend) Capabilities() Capabilities {
	return Capabilities{
		SupportsUserInput: true,
		RequiresSetup:     true,
	}
}

func (b *ProcessBackend) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != nil && b.handle.Active()
}

// RuntimeReady reports whether the prepared runtime directory exists.
func (b *ProcessBackend) RuntimeReady() bool {
	info, err := os.Stat(b.cfg.Execution.RuntimeDir)
	return err == nil && info.IsDir()
}

func (b *ProcessBackend) Execute(ctx context.Context, p Params) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle != nil && b.handle.Active() {
		return nil, ErrExecutionActive
	}

	p.ensureID()
	if !b.RuntimeReady() {
		return nil, execErr(p.ID, "launch", ErrSetupRequired)
	}

	if p.OutputDir == "" {
		p.OutputDir = b.cfg.Execution.OutputDir
	}
	args := buildArgs(p, b.cfg.Execution.MaxIterations)

	cmd := exec.Command(b.cfg.Execution.AgentCommand, args...) // #nosec G204 -- argv built from validated params
	cmd.Env = buildEnv(map[string]string{
		"PYTHONUNBUFFERED": "1",
		"VIRTUAL_ENV":      b.cfg.Execution.RuntimeDir,
	})
	// Own process group, so signals reach the agent and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := newHandle(p.ID)
	done, err := startStreaming(h, cmd)
	if err != nil {
		return nil, err
	}

	grace := b.cfg.Execution.StopGrace
	h.stopFn = func(ctx context.Context) error {
		return stopProcessGroup(ctx, cmd.Process.Pid, done, grace)
	}

	log.Info().Str("execution", p.ID).Int("pid", h.PID).
		Str("module", p.Module).Str("target", p.Target).
		Msg("native execution started")

	b.handle = h
	return h, nil
}

// stopProcessGroup terminates pid's process group: SIGTERM, a grace
// window, then SIGKILL.
func stopProcessGroup(ctx context.Context, pid int, done <-chan struct{}, grace time.Duration) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Already gone; reaping catches up on its own.
		return nil
	}
	return waitOrKill(ctx, done, grace, func() error {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return err
		}
		return nil
	})
}
