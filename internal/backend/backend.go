// Package backend launches the agent on one of three substrates (native
// process, single container, compose stack) behind a uniform lifecycle:
// an execution starts, streams structured events, and resolves exactly
// once as complete, stopped, or failed.
package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/protocol"
)

// Params fully describes one assessment run. Argument vectors and
// environment sets are derived from Params and config alone.
type Params struct {
	ID         string // allocated when empty
	Module     string
	Objective  string
	Target     string
	Iterations int
	Provider   string
	Model      string
	Region     string
	OutputDir  string
	Verbose    bool
}

func (p *Params) ensureID() {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
}

// Result is the terminal state of an execution. It is delivered exactly
// once on the handle's result channel.
type Result struct {
	Success  bool
	Stopped  bool
	ExitCode int
	Err      error
}

// Capabilities advertises what a backend can do so callers degrade
// gracefully instead of probing with failed calls.
type Capabilities struct {
	SupportsUserInput bool
	RequiresEngine    bool
	RequiresSetup     bool
}

// Backend starts executions. Construction never starts anything; one
// execution may be active per backend instance.
type Backend interface {
	Execute(ctx context.Context, p Params) (*Handle, error)
	Capabilities() Capabilities
	Active() bool
}

// eventBuffer bounds the handle's event channel. A stalled consumer
// costs dropped events, never a wedged agent process.
const eventBuffer = 256

// Handle represents one live execution.
type Handle struct {
	ID  string
	PID int

	events chan protocol.Event
	result chan Result

	mu       sync.Mutex
	active   bool
	stopping bool
	resolved bool

	stopFn  func(ctx context.Context) error
	inputFn func(text string) error
}

func newHandle(id string) *Handle {
	return &Handle{
		ID:     id,
		events: make(chan protocol.Event, eventBuffer),
		result: make(chan Result, 1),
		active: true,
	}
}

// Events streams structured and plain-output events in arrival order.
// The channel closes when the execution ends.
func (h *Handle) Events() <-chan protocol.Event { return h.events }

// Result delivers the terminal state exactly once.
func (h *Handle) Result() <-chan Result { return h.result }

// Active reports whether the underlying process is still running.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Stop terminates the execution gracefully, escalating to a forced kill
// after the grace period. Safe to call repeatedly and after exit.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.active || h.stopping {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	stop := h.stopFn
	h.mu.Unlock()

	if stop == nil {
		return nil
	}
	return stop(ctx)
}

// SendUserInput frames text as a human-in-the-loop command on the
// agent's stdin.
func (h *Handle) SendUserInput(text string) error {
	h.mu.Lock()
	active, input := h.active, h.inputFn
	h.mu.Unlock()

	if input == nil {
		return ErrInputUnsupported
	}
	if !active {
		return ErrNoActiveExecution
	}
	return input(text)
}

// stopRequested reports whether Stop was called before the process exited.
func (h *Handle) stopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// emit forwards an event without ever blocking the read loop.
func (h *Handle) emit(ev protocol.Event) {
	select {
	case h.events <- ev:
	default:
		log.Warn().Str("execution", h.ID).Str("kind", ev.Kind()).
			Msg("event channel full, dropping event")
	}
}

// resolve delivers the terminal result once and closes the event stream.
func (h *Handle) resolve(res Result) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.active = false
	h.mu.Unlock()

	h.result <- res
	close(h.events)
}

// buildArgs assembles the agent's argument vector. Credentials never
// appear here; they travel in the environment.
func buildArgs(p Params, maxIterations int) []string {
	iters := p.Iterations
	if iters <= 0 {
		iters = maxIterations
	}

	args := []string{
		"--module", p.Module,
		"--objective", p.Objective,
		"--target", p.Target,
		"--iterations", strconv.Itoa(iters),
	}
	if p.Provider != "" {
		args = append(args, "--provider", p.Provider)
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.Region != "" {
		args = append(args, "--region", p.Region)
	}
	if p.OutputDir != "" {
		args = append(args, "--output-dir", p.OutputDir)
	}
	if p.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, "--confirmations", "off")
}

// envPassthrough lists the variable prefixes forwarded into the agent's
// environment: provider credentials, observability endpoints, and the
// handful of runtime basics a child process needs.
var envPassthrough = []string{
	"AWS_",
	"ANTHROPIC_",
	"OPENAI_",
	"OLLAMA_",
	"LANGFUSE_",
	"PATH=",
	"HOME=",
	"LANG=",
	"TERM=",
	"TMPDIR=",
}

// buildEnv filters the host environment down to the passthrough set and
// applies per-execution overrides.
func buildEnv(overrides map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		for _, prefix := range envPassthrough {
			if strings.HasPrefix(kv, prefix) {
				env = append(env, kv)
				break
			}
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// envAsFlags renders overrides plus passthrough variables as docker -e
// flags. Passthrough values are not inlined: "-e NAME" exports the
// host's value without it ever appearing in the argument vector.
func envAsFlags(overrides map[string]string) []string {
	var flags []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, prefix := range envPassthrough {
			if strings.HasSuffix(prefix, "=") {
				continue // process-only basics, not for containers
			}
			if strings.HasPrefix(name, prefix) {
				flags = append(flags, "-e", name)
				break
			}
		}
	}
	for k, v := range overrides {
		flags = append(flags, "-e", k+"="+v)
	}
	return flags
}

// waitOrKill waits up to grace for done, then invokes kill and waits for
// the process to reap.
func waitOrKill(ctx context.Context, done <-chan struct{}, grace time.Duration, kill func() error) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if err := kill(); err != nil {
		return fmt.Errorf("force kill: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
