package backend

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"cyber-agent-runner/internal/deploy"
)

type fakeSwitcher struct {
	mode     deploy.Mode
	switched []deploy.Mode
	err      error
}

func (f *fakeSwitcher) CurrentMode() deploy.Mode { return f.mode }

func (f *fakeSwitcher) SwitchToMode(_ context.Context, target deploy.Mode, progress func(string)) error {
	f.switched = append(f.switched, target)
	if f.err != nil {
		return f.err
	}
	progress("Deployment ready")
	f.mode = target
	return nil
}

func TestStackBackend_BringsUpStackFirst(t *testing.T) {
	script, argsFile := fakeDocker(t)
	cfg := containerConfig(t, script)
	sw := &fakeSwitcher{mode: deploy.ModeNativeOnly}

	var milestones []string
	b := NewStackBackend(cfg, sw, &recordingKiller{}, func(s string) { milestones = append(milestones, s) })

	h, err := b.Execute(context.Background(), Params{ID: "run1", Module: "m", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	collectEvents(t, h)
	awaitResult(t, h)

	if len(sw.switched) != 1 || sw.switched[0] != deploy.ModeFullStack {
		t.Errorf("switched = %v, want one switch to full-stack", sw.switched)
	}
	if len(milestones) == 0 {
		t.Error("deployment milestones not forwarded")
	}

	raw, err := os.ReadFile(argsFile) // #nosec G304
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(strings.Split(strings.TrimSpace(string(raw)), "\n"), " ")
	if !strings.Contains(joined, "--network "+cfg.Deployment.ProjectName+"_default") {
		t.Errorf("stack run not joined to compose network:\n%s", joined)
	}
}

func TestStackBackend_SkipsSwitchWhenStackIsUp(t *testing.T) {
	script, _ := fakeDocker(t)
	cfg := containerConfig(t, script)
	sw := &fakeSwitcher{mode: deploy.ModeFullStack}
	b := NewStackBackend(cfg, sw, &recordingKiller{}, nil)

	h, err := b.Execute(context.Background(), Params{Module: "m", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	collectEvents(t, h)
	awaitResult(t, h)

	if len(sw.switched) != 0 {
		t.Errorf("switched = %v, want no switches", sw.switched)
	}
}

func TestStackBackend_SwitchFailureAbortsRun(t *testing.T) {
	script, argsFile := fakeDocker(t)
	cfg := containerConfig(t, script)
	sw := &fakeSwitcher{mode: deploy.ModeNativeOnly, err: errors.New("compose up failed")}
	b := NewStackBackend(cfg, sw, &recordingKiller{}, nil)

	if _, err := b.Execute(context.Background(), Params{Module: "m", Objective: "o", Target: "t"}); err == nil {
		t.Fatal("Execute succeeded despite switch failure")
	}
	if _, err := os.Stat(argsFile); !os.IsNotExist(err) {
		t.Error("engine CLI invoked despite switch failure")
	}
}
