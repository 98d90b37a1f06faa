package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cyber-agent-runner/internal/backend"
	"cyber-agent-runner/internal/config"
	"cyber-agent-runner/internal/monitor"
	"cyber-agent-runner/internal/storage"
)

func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	return path
}

func nativeService(t *testing.T, script string, opts Options) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Execution.AgentCommand = script
	cfg.Execution.RuntimeDir = t.TempDir()
	cfg.Execution.OutputDir = t.TempDir()
	cfg.Execution.StopGrace = 200 * time.Millisecond
	return New(cfg, NativeProcess, backend.NewProcessBackend(cfg), opts)
}

func awaitExecution(t *testing.T, exec *Execution) ExecutionResult {
	t.Helper()
	for range exec.Events() {
	}
	select {
	case res := <-exec.Result():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return ExecutionResult{}
	}
}

type memRecorder struct {
	mu      sync.Mutex
	records []*storage.Assessment
}

func (m *memRecorder) RecordAssessment(_ context.Context, a *storage.Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, a)
	return nil
}

func TestService_ExecuteLifecycle(t *testing.T) {
	script := fakeAgent(t, `printf '__CYBER_EVENT__{"type":"step_header","step":1,"maxSteps":5}__CYBER_EVENT_END__\n'
printf '__CYBER_EVENT__{"type":"step_header","step":2,"maxSteps":5}__CYBER_EVENT_END__\n'
printf '__CYBER_EVENT__{"type":"finding","severity":"high","title":"exposed admin panel"}__CYBER_EVENT_END__\n'`)
	metrics := monitor.NewMetrics()
	svc := nativeService(t, script, Options{Metrics: metrics})

	start := time.Now()
	exec, err := svc.Execute(context.Background(), backend.Params{Module: "web", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := awaitExecution(t, exec)
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if res.StepsExecuted != 2 {
		t.Errorf("StepsExecuted = %d, want 2", res.StepsExecuted)
	}
	if res.FindingsCount != 1 {
		t.Errorf("FindingsCount = %d, want 1", res.FindingsCount)
	}
	if res.DurationMs < 0 || time.Duration(res.DurationMs)*time.Millisecond > time.Since(start)+time.Second {
		t.Errorf("DurationMs = %d, not measured from call time", res.DurationMs)
	}
	if svc.Active() {
		t.Error("service active after completion")
	}

	if got := testutil.ToFloat64(metrics.ExecutionsTotal.WithLabelValues("native-process", "complete")); got != 1 {
		t.Errorf("executions_total{complete} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveExecutions); got != 0 {
		t.Errorf("active_executions = %v, want 0", got)
	}
}

func TestService_SecondExecuteFailsFast(t *testing.T) {
	script := fakeAgent(t, "sleep 30")
	svc := nativeService(t, script, Options{})

	exec, err := svc.Execute(context.Background(), backend.Params{Module: "m", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer func() {
		_ = exec.Stop(context.Background())
		awaitExecution(t, exec)
	}()

	if _, err := svc.Execute(context.Background(), backend.Params{Module: "m", Objective: "o", Target: "t"}); !errors.Is(err, backend.ErrExecutionActive) {
		t.Errorf("second Execute err = %v, want ErrExecutionActive", err)
	}
}

func TestService_StoppedOutcome(t *testing.T) {
	script := fakeAgent(t, "sleep 30")
	metrics := monitor.NewMetrics()
	svc := nativeService(t, script, Options{Metrics: metrics})

	exec, err := svc.Execute(context.Background(), backend.Params{Module: "m", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := exec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	res := awaitExecution(t, exec)
	if !res.Stopped || res.Success {
		t.Errorf("result = %+v, want stopped", res)
	}
	if got := testutil.ToFloat64(metrics.ExecutionsTotal.WithLabelValues("native-process", "stopped")); got != 1 {
		t.Errorf("executions_total{stopped} = %v, want 1", got)
	}
}

func TestService_ArchivesOutcome(t *testing.T) {
	script := fakeAgent(t, `printf '__CYBER_EVENT__{"type":"step_header","step":3}__CYBER_EVENT_END__\n'`)
	rec := &memRecorder{}
	writer := storage.NewHistoryWriter(rec, 8)
	writer.Start()
	svc := nativeService(t, script, Options{History: writer})

	exec, err := svc.Execute(context.Background(), backend.Params{
		Module: "network", Objective: "enumerate", Target: "10.0.0.5", Provider: "bedrock",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	awaitExecution(t, exec)
	writer.Flush(5 * time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(rec.records))
	}
	got := rec.records[0]
	if got.ID != exec.ID || got.Mode != "native-process" || got.Module != "network" ||
		got.Target != "10.0.0.5" || !got.Success || got.StepsExecuted != 3 {
		t.Errorf("archived record = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestService_LaunchErrorRecordsMetric(t *testing.T) {
	script := fakeAgent(t, "true")
	metrics := monitor.NewMetrics()
	svc := nativeService(t, script, Options{Metrics: metrics})
	svc.cfg.Execution.RuntimeDir = filepath.Join(t.TempDir(), "missing")

	if _, err := svc.Execute(context.Background(), backend.Params{Module: "m", Objective: "o", Target: "t"}); !errors.Is(err, backend.ErrSetupRequired) {
		t.Fatalf("err = %v, want ErrSetupRequired", err)
	}
	if got := testutil.ToFloat64(metrics.ExecutionErrors.WithLabelValues("setup_required")); got != 1 {
		t.Errorf("execution_errors{setup_required} = %v, want 1", got)
	}
}

func TestService_CleanupIdempotent(t *testing.T) {
	script := fakeAgent(t, "sleep 30")
	svc := nativeService(t, script, Options{})

	exec, err := svc.Execute(context.Background(), backend.Params{Module: "m", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := svc.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := svc.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	res := awaitExecution(t, exec)
	if !res.Stopped {
		t.Errorf("result = %+v, want stopped after cleanup", res)
	}
}
