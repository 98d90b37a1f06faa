package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cyber-agent-runner/internal/backend"
	"cyber-agent-runner/internal/config"
)

type fakeProber struct {
	err    error
	builds [][]string
}

func (f *fakeProber) Available(context.Context) error { return f.err }

func (f *fakeProber) ComposeBuild(_ context.Context, services ...string) error {
	f.builds = append(f.builds, services)
	return nil
}

func clearCredentials(t *testing.T) {
	t.Helper()
	for _, name := range credentialVars {
		t.Setenv(name, "")
	}
}

func issueFor(r ValidationResult, cat IssueCategory) *ValidationIssue {
	for i := range r.Issues {
		if r.Issues[i].Category == cat {
			return &r.Issues[i]
		}
	}
	return nil
}

func TestValidate_NativeReady(t *testing.T) {
	clearCredentials(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	script := fakeAgent(t, "true")
	svc := nativeService(t, script, Options{})
	if err := os.MkdirAll(svc.cfg.Execution.OutputDir, 0o750); err != nil {
		t.Fatal(err)
	}

	r := svc.Validate(context.Background())
	if !r.Valid {
		t.Errorf("result = %+v, want valid", r)
	}
}

func TestValidate_MissingCredentials(t *testing.T) {
	clearCredentials(t)

	script := fakeAgent(t, "true")
	svc := nativeService(t, script, Options{})

	r := svc.Validate(context.Background())
	if r.Valid {
		t.Fatal("result valid despite missing credentials")
	}
	issue := issueFor(r, CategoryCredentials)
	if issue == nil || issue.Severity != SeverityError || issue.Suggestion == "" {
		t.Errorf("credentials issue = %+v", issue)
	}
}

func TestValidate_UnpreparedRuntime(t *testing.T) {
	clearCredentials(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	script := fakeAgent(t, "true")
	svc := nativeService(t, script, Options{})
	svc.cfg.Execution.RuntimeDir = filepath.Join(t.TempDir(), "missing")

	r := svc.Validate(context.Background())
	if r.Valid {
		t.Fatal("result valid despite missing runtime")
	}
	if issue := issueFor(r, CategoryRuntime); issue == nil || issue.Severity != SeverityError {
		t.Errorf("runtime issue = %+v", issue)
	}
}

func TestValidate_EngineUnreachable(t *testing.T) {
	clearCredentials(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg := config.DefaultConfig()
	cfg.Execution.OutputDir = t.TempDir()
	prober := &fakeProber{err: errors.New("cannot connect to the Docker daemon")}
	svc := New(cfg, SingleContainer, backend.NewContainerBackend(cfg, nil), Options{Engine: prober})

	r := svc.Validate(context.Background())
	if r.Valid {
		t.Fatal("result valid despite unreachable engine")
	}
	if issue := issueFor(r, CategoryEngine); issue == nil || issue.Severity != SeverityError {
		t.Errorf("engine issue = %+v", issue)
	}
}

func TestValidate_StackConfigAndWarnings(t *testing.T) {
	clearCredentials(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "")

	cfg := config.DefaultConfig()
	cfg.Execution.OutputDir = t.TempDir()
	cfg.Deployment.ComposeFile = filepath.Join(t.TempDir(), "missing-compose.yaml")
	svc := New(cfg, ContainerStack, backend.NewContainerBackend(cfg, nil), Options{Engine: &fakeProber{}})

	r := svc.Validate(context.Background())
	if r.Valid {
		t.Fatal("result valid despite missing compose file")
	}
	if issue := issueFor(r, CategoryConfig); issue == nil {
		t.Error("missing compose file not reported")
	}
	if issue := issueFor(r, CategoryNetwork); issue == nil || issue.Severity != SeverityWarning {
		t.Errorf("langfuse warning = %+v", issue)
	}
	if len(r.Warnings) == 0 {
		t.Error("warnings list empty")
	}
}

func TestValidate_Repeatable(t *testing.T) {
	clearCredentials(t)

	script := fakeAgent(t, "true")
	svc := nativeService(t, script, Options{})

	first := svc.Validate(context.Background())
	second := svc.Validate(context.Background())
	if len(first.Issues) != len(second.Issues) {
		t.Errorf("issue count changed between calls: %d then %d", len(first.Issues), len(second.Issues))
	}
}

func TestSetup_BuildsImageForContainerMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Execution.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Execution.ToolsDir = filepath.Join(t.TempDir(), "tools")
	prober := &fakeProber{}
	svc := New(cfg, SingleContainer, backend.NewContainerBackend(cfg, nil), Options{Engine: prober})

	var milestones []string
	if err := svc.Setup(context.Background(), func(s string) { milestones = append(milestones, s) }); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if len(prober.builds) != 1 || prober.builds[0][0] != cfg.Deployment.AgentService {
		t.Errorf("builds = %v, want one build of the agent service", prober.builds)
	}
	if _, err := os.Stat(cfg.Execution.OutputDir); err != nil {
		t.Error("output dir not created")
	}
	if len(milestones) == 0 {
		t.Error("no progress reported")
	}

	// Second run is a no-op for directories and rebuilds are harmless.
	if err := svc.Setup(context.Background(), nil); err != nil {
		t.Fatalf("second Setup: %v", err)
	}
}
