package backend

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/config"
)

// ContainerKiller force-removes a named container. *engine.Docker
// satisfies it.
type ContainerKiller interface {
	Kill(ctx context.Context, name string) error
}

// ContainerBackend runs the agent in a single container with the output
// and tools directories bind-mounted. The docker CLI stays attached so
// the combined stream flows through the same scanner as native runs.
type ContainerBackend struct {
	cfg    *config.Config
	killer ContainerKiller

	// network, when set, attaches the run to an existing compose
	// network. The stack backend sets it.
	network string

	mu     sync.Mutex
	handle *Handle
}

func NewContainerBackend(cfg *config.Config, killer ContainerKiller) *ContainerBackend {
	return &ContainerBackend{cfg: cfg, killer: killer}
}

func (b *ContainerBackend) Capabilities() Capabilities {
	return Capabilities{
		SupportsUserInput: true,
		RequiresEngine:    true,
	}
}

func (b *ContainerBackend) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != nil && b.handle.Active()
}

func (b *ContainerBackend) Execute(ctx context.Context, p Params) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle != nil && b.handle.Active() {
		return nil, ErrExecutionActive
	}

	p.ensureID()
	containerName := "agent-run-" + p.ID

	outputDir := p.OutputDir
	if outputDir == "" {
		outputDir = b.cfg.Execution.OutputDir
	}
	hostOutput, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, execErr(p.ID, "resolving output dir", err)
	}
	if err := os.MkdirAll(hostOutput, 0o750); err != nil {
		return nil, execErr(p.ID, "creating output dir", err)
	}
	hostTools, err := filepath.Abs(b.cfg.Execution.ToolsDir)
	if err != nil {
		return nil, execErr(p.ID, "resolving tools dir", err)
	}

	// Inside the container the agent always writes to fixed paths; the
	// binds carry results back to the host.
	p.OutputDir = "/app/outputs"

	args := []string{
		"run", "-i", "--rm",
		"--name", containerName,
		"-v", hostOutput + ":/app/outputs",
		"-v", hostTools + ":/app/tools",
	}
	if b.network != "" {
		args = append(args, "--network", b.network)
	}
	args = append(args, envAsFlags(map[string]string{
		"PYTHONUNBUFFERED": "1",
	})...)
	args = append(args, b.cfg.Deployment.AgentImage)
	args = append(args, buildArgs(p, b.cfg.Execution.MaxIterations)...)

	cmd := exec.Command(b.cfg.Engine.Binary, args...) // #nosec G204 -- argv built from validated params
	cmd.Env = os.Environ()

	h := newHandle(p.ID)
	done, err := startStreaming(h, cmd)
	if err != nil {
		return nil, err
	}

	grace := b.cfg.Execution.StopGrace
	killer := b.killer
	h.stopFn = func(ctx context.Context) error {
		// Graceful: detach by signalling the CLI; docker forwards the
		// signal to PID 1 of the container.
		_ = cmd.Process.Signal(os.Interrupt)
		return waitOrKill(ctx, done, grace, func() error {
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := killer.Kill(killCtx, containerName); err != nil {
				log.Warn().Err(err).Str("container", containerName).Msg("force kill failed")
			}
			_ = cmd.Process.Kill()
			return nil
		})
	}

	log.Info().Str("execution", p.ID).Str("container", containerName).
		Str("module", p.Module).Str("target", p.Target).
		Msg("container execution started")

	b.handle = h
	return h, nil
}
