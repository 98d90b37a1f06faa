package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cyber-agent-runner/internal/config"
)

type recordingKiller struct {
	mu     sync.Mutex
	killed []string
}

func (k *recordingKiller) Kill(_ context.Context, name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, name)
	return nil
}

// fakeDocker stands in for the engine CLI: it records its argument
// vector and behaves like a short successful run.
func fakeDocker(t *testing.T) (script, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args.txt")
	script = filepath.Join(dir, "docker.sh")
	body := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + argsFile + "\necho \"agent output\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	return script, argsFile
}

func containerConfig(t *testing.T, dockerBin string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.Binary = dockerBin
	cfg.Execution.OutputDir = t.TempDir()
	cfg.Execution.ToolsDir = t.TempDir()
	return cfg
}

func TestContainerBackend_RunArguments(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIATEST")
	script, argsFile := fakeDocker(t)
	cfg := containerConfig(t, script)
	b := NewContainerBackend(cfg, &recordingKiller{})

	h, err := b.Execute(context.Background(), Params{
		ID: "abc123", Module: "web", Objective: "o", Target: "t",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	collectEvents(t, h)
	awaitResult(t, h)

	raw, err := os.ReadFile(argsFile) // #nosec G304
	if err != nil {
		t.Fatalf("reading recorded args: %v", err)
	}
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"run -i --rm --name agent-run-abc123",
		":/app/outputs",
		":/app/tools",
		"-e AWS_ACCESS_KEY_ID",
		cfg.Deployment.AgentImage,
		"--output-dir /app/outputs",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "AKIATEST") {
		t.Errorf("credential value leaked into argv:\n%s", joined)
	}
	if strings.Contains(joined, "--network") {
		t.Errorf("bare container run should not join a network:\n%s", joined)
	}
}

func TestContainerBackend_SecondExecuteFailsFast(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "docker.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	b := NewContainerBackend(containerConfig(t, script), &recordingKiller{})

	h, err := b.Execute(context.Background(), Params{Module: "m", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer func() {
		_ = h.Stop(context.Background())
		awaitResult(t, h)
	}()

	if _, err := b.Execute(context.Background(), Params{Module: "m", Objective: "o", Target: "t"}); err == nil {
		t.Fatal("second Execute succeeded, want ErrExecutionActive")
	}
}

func TestContainerBackend_StopKillsContainer(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "docker.sh")
	// Ignores the interrupt docker would forward, forcing escalation.
	body := "#!/bin/sh\ntrap '' INT TERM\nwhile true; do sleep 1; done\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	killer := &recordingKiller{}
	cfg := containerConfig(t, script)
	b := NewContainerBackend(cfg, killer)

	h, err := b.Execute(context.Background(), Params{ID: "xyz", Module: "m", Objective: "o", Target: "t"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	res := awaitResult(t, h)
	if !res.Stopped {
		t.Errorf("result = %+v, want stopped", res)
	}

	killer.mu.Lock()
	defer killer.mu.Unlock()
	if len(killer.killed) != 1 || killer.killed[0] != "agent-run-xyz" {
		t.Errorf("killed = %v, want [agent-run-xyz]", killer.killed)
	}
}
