// Package service is the execution façade the rest of the application
// calls: validate an environment, launch an assessment, track the single
// active execution, and archive outcomes.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"cyber-agent-runner/internal/backend"
	"cyber-agent-runner/internal/config"
	"cyber-agent-runner/internal/monitor"
	"cyber-agent-runner/internal/protocol"
	"cyber-agent-runner/internal/storage"
)

// ExecutionMode selects the substrate an execution runs on. Fixed per
// service instance at construction.
type ExecutionMode int

const (
	NativeProcess ExecutionMode = iota
	SingleContainer
	ContainerStack
)

func (m ExecutionMode) String() string {
	switch m {
	case NativeProcess:
		return "native-process"
	case SingleContainer:
		return "single-container"
	case ContainerStack:
		return "container-stack"
	default:
		return "unknown"
	}
}

// ExecutionResult is the terminal outcome delivered to callers, with the
// duration measured from the Execute call.
type ExecutionResult struct {
	Success       bool
	Stopped       bool
	ExitCode      int
	Err           error
	DurationMs    int64
	StepsExecuted int
	FindingsCount int
}

// Execution is a live run. Events stream display-ready protocol events;
// Result resolves exactly once.
type Execution struct {
	ID  string
	PID int

	handle *backend.Handle
	events chan protocol.Event
	result chan ExecutionResult
	span   trace.Span
}

func (e *Execution) Events() <-chan protocol.Event   { return e.events }
func (e *Execution) Result() <-chan ExecutionResult  { return e.result }
func (e *Execution) Active() bool                    { return e.handle.Active() }
func (e *Execution) Stop(ctx context.Context) error  { return e.handle.Stop(ctx) }
func (e *Execution) SendUserInput(text string) error { return e.handle.SendUserInput(text) }

// ExecutionService is what the application layer programs against.
type ExecutionService interface {
	Mode() ExecutionMode
	Capabilities() backend.Capabilities
	Validate(ctx context.Context) ValidationResult
	Execute(ctx context.Context, p backend.Params) (*Execution, error)
	Setup(ctx context.Context, progress func(string)) error
	Cleanup() error
	Active() bool
}

// EngineProber checks engine daemon reachability; *engine.Docker
// satisfies it.
type EngineProber interface {
	Available(ctx context.Context) error
}

// Options carries the optional collaborators a service can use.
type Options struct {
	Engine  EngineProber           // engine-backed modes
	Manager backend.ModeSwitcher   // stack mode
	Metrics *monitor.Metrics       // nil disables metrics
	Tracer  *monitor.Tracer        // nil disables tracing
	History *storage.HistoryWriter // nil disables archiving
}

// Service implements ExecutionService for one fixed mode.
type Service struct {
	cfg  *config.Config
	mode ExecutionMode
	b    backend.Backend
	opts Options

	mu      sync.Mutex
	current *Execution
}

func New(cfg *config.Config, mode ExecutionMode, b backend.Backend, opts Options) *Service {
	return &Service{cfg: cfg, mode: mode, b: b, opts: opts}
}

func (s *Service) Mode() ExecutionMode                { return s.mode }
func (s *Service) Capabilities() backend.Capabilities { return s.b.Capabilities() }

// Active reflects the backend's real state, not handle bookkeeping.
func (s *Service) Active() bool { return s.b.Active() }

// Execute launches an assessment. A second call while one is active
// fails fast; executions never queue.
func (s *Service) Execute(ctx context.Context, p backend.Params) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b.Active() {
		return nil, backend.ErrExecutionActive
	}

	started := time.Now()
	h, err := s.b.Execute(ctx, p)
	if err != nil {
		if m := s.opts.Metrics; m != nil {
			m.RecordError(errType(err))
		}
		return nil, err
	}

	exec := &Execution{
		ID:     h.ID,
		PID:    h.PID,
		handle: h,
		events: make(chan protocol.Event, cap(h.Events())),
		result: make(chan ExecutionResult, 1),
	}
	if t := s.opts.Tracer; t != nil {
		_, exec.span = t.StartSpan(ctx, "execute",
			monitor.AttrExecID.String(h.ID),
			monitor.AttrMode.String(s.mode.String()),
			monitor.AttrModule.String(p.Module),
			monitor.AttrTarget.String(p.Target),
		)
	}
	if m := s.opts.Metrics; m != nil {
		m.ActiveExecutions.Inc()
	}

	go s.relay(exec, p, started)

	s.current = exec
	return exec, nil
}

// relay forwards backend events to the caller while counting steps and
// findings, then composes and delivers the final result.
func (s *Service) relay(exec *Execution, p backend.Params, started time.Time) {
	var steps, findings int
	for ev := range exec.handle.Events() {
		switch e := ev.(type) {
		case *protocol.StepHeader:
			if e.Step > steps {
				steps = e.Step
			}
		case *protocol.Generic:
			if e.Type == "finding" {
				findings++
			}
		}
		if m := s.opts.Metrics; m != nil {
			m.EventsParsed.WithLabelValues(ev.Kind()).Inc()
		}

		select {
		case exec.events <- ev:
		default:
			if m := s.opts.Metrics; m != nil {
				m.EventsDropped.Inc()
			}
			log.Warn().Str("execution", exec.ID).Msg("consumer behind, dropping event")
		}
	}
	close(exec.events)

	res := <-exec.handle.Result()
	out := ExecutionResult{
		Success:       res.Success,
		Stopped:       res.Stopped,
		ExitCode:      res.ExitCode,
		Err:           res.Err,
		DurationMs:    time.Since(started).Milliseconds(),
		StepsExecuted: steps,
		FindingsCount: findings,
	}
	s.finish(exec, p, started, out)
	exec.result <- out
}

func (s *Service) finish(exec *Execution, p backend.Params, started time.Time, out ExecutionResult) {
	if exec.span != nil {
		exec.span.SetAttributes(
			monitor.AttrExitCode.Int(out.ExitCode),
			monitor.AttrDurationMS.Int64(out.DurationMs),
		)
		exec.span.End()
	}

	if m := s.opts.Metrics; m != nil {
		m.ActiveExecutions.Dec()
		m.RecordExecution(s.mode.String(), outcome(out), float64(out.DurationMs)/1000)
		if out.Err != nil {
			m.RecordError(errType(out.Err))
		}
	}

	if w := s.opts.History; w != nil {
		completed := time.Now()
		rec := &storage.Assessment{
			ID:            exec.ID,
			Mode:          s.mode.String(),
			Module:        p.Module,
			Objective:     p.Objective,
			Target:        p.Target,
			Provider:      p.Provider,
			Model:         p.Model,
			Success:       out.Success,
			Stopped:       out.Stopped,
			ExitCode:      out.ExitCode,
			DurationMS:    out.DurationMs,
			StepsExecuted: out.StepsExecuted,
			FindingsCount: out.FindingsCount,
			StartedAt:     started,
			CompletedAt:   &completed,
		}
		if out.Err != nil {
			rec.Error = out.Err.Error()
		}
		w.Record(rec)
	}
}

// Cleanup stops any active execution and is safe to call repeatedly.
func (s *Service) Cleanup() error {
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()

	if current == nil || !current.Active() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return current.Stop(ctx)
}

func outcome(r ExecutionResult) string {
	switch {
	case r.Stopped:
		return "stopped"
	case r.Success:
		return "complete"
	default:
		return "error"
	}
}

func errType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, backend.ErrSetupRequired):
		return "setup_required"
	case errors.Is(err, backend.ErrExecutionActive):
		return "execution_active"
	case errors.Is(err, backend.ErrEngineDown):
		return "engine_down"
	default:
		return "execution"
	}
}
