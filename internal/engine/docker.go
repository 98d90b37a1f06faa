// Package engine talks to the container engine through its CLI. Every
// mutating call is wrapped by the retry manager and the shared circuit
// breaker so a flapping daemon degrades into clean, typed failures.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/config"
	"cyber-agent-runner/internal/resilience"
)

// ContainerInfo is a transient snapshot of one container. It is re-fetched
// on every query and never cached across calls.
type ContainerInfo struct {
	Name      string
	Status    string // engine status string, e.g. "Up 2 minutes"
	Health    string // healthy, unhealthy, starting, or empty
	StartedAt time.Time
}

// Running reports whether the engine considers the container up.
func (c ContainerInfo) Running() bool {
	return strings.HasPrefix(c.Status, "Up") || c.Status == "running"
}

type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Docker shells out to the docker CLI (or a compatible engine binary).
type Docker struct {
	bin         string
	host        string
	timeout     time.Duration
	composeFile string
	project     string

	retry   *resilience.RetryManager
	breaker *resilience.CircuitBreaker

	run runFunc // swappable for tests

	mu      sync.Mutex
	logSink func(string)
}

func NewDocker(cfg *config.Config, breaker *resilience.CircuitBreaker) *Docker {
	retryCfg := resilience.RetryConfig{
		MaxRetries:     cfg.Retry.MaxRetries,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		BackoffFactor:  cfg.Retry.BackoffFactor,
		Jitter:         cfg.Retry.Jitter,
		RetryPredicate: TransientPredicate,
	}

	d := &Docker{
		bin:         cfg.Engine.Binary,
		host:        resolveHost(cfg.Engine.Binary, cfg.Engine.Host),
		timeout:     cfg.Engine.CommandTimeout,
		composeFile: cfg.Deployment.ComposeFile,
		project:     cfg.Deployment.ProjectName,
		retry:       resilience.NewRetryManager(retryCfg),
		breaker:     breaker,
	}
	d.run = d.runCLI
	return d
}

// resolveHost figures out the engine socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveHost(bin, override string) string {
	if override != "" {
		return override
	}
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command(bin, "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output() // #nosec G204 -- bin from config
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved engine host from context")
			return host
		}
	}
	return ""
}

// SetLogSink installs a tap that receives engine stderr line by line as
// commands run. Compose emits its pull/build/create progress on stderr.
// A nil sink removes the tap.
func (d *Docker) SetLogSink(fn func(string)) {
	d.mu.Lock()
	d.logSink = fn
	d.mu.Unlock()
}

func (d *Docker) sink() func(string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logSink
}

// lineWriter splits a byte stream into lines for a callback, holding
// partial lines until the terminating newline arrives.
type lineWriter struct {
	fn  func(string)
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; put it back and wait for more bytes.
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.fn(strings.TrimRight(line, "\r\n"))
	}
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.fn(w.buf.String())
		w.buf.Reset()
	}
}

func (d *Docker) runCLI(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.bin, args...) // #nosec G204 -- args built internally, not from raw user input
	if d.host != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.host)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if fn := d.sink(); fn != nil {
		lw := &lineWriter{fn: fn}
		defer lw.flush()
		cmd.Stderr = io.MultiWriter(&stderr, lw)
	}

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %s", d.bin, args[0], msg)
	}
	return stdout.Bytes(), nil
}

// guarded runs an engine call through the breaker and, for mutating ops,
// the retry manager.
func (d *Docker) guarded(ctx context.Context, retry bool, args ...string) ([]byte, error) {
	var out []byte
	op := func(ctx context.Context) error {
		var err error
		out, err = d.run(ctx, args...)
		return err
	}

	wrapped := op
	if retry {
		wrapped = func(ctx context.Context) error {
			return d.retry.Execute(ctx, op)
		}
	}
	err := d.breaker.Execute(ctx, wrapped)
	return out, err
}

// Available probes the engine daemon.
func (d *Docker) Available(ctx context.Context) error {
	_, err := d.guarded(ctx, false, "info", "--format", "{{.ServerVersion}}")
	return err
}

// ListContainers returns every container, running or not, with name and status.
func (d *Docker) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	out, err := d.guarded(ctx, false, "ps", "-a", "--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return nil, err
	}
	return parsePS(out), nil
}

// ListRunning returns only running containers.
func (d *Docker) ListRunning(ctx context.Context) ([]ContainerInfo, error) {
	out, err := d.guarded(ctx, false, "ps", "--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return nil, err
	}
	return parsePS(out), nil
}

// Inspect fetches status, health, and start time for one container by exact name.
func (d *Docker) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	out, err := d.guarded(ctx, false, "inspect", "--format",
		"{{.State.Status}}\t{{if .State.Health}}{{.State.Health.Status}}{{end}}\t{{.State.StartedAt}}", name)
	if err != nil {
		return nil, err
	}
	return parseInspect(name, out)
}

// FindByImage locates a running container by its image when name lookup
// fails, e.g. compose suffixes on the primary agent container.
func (d *Docker) FindByImage(ctx context.Context, image string) (*ContainerInfo, error) {
	out, err := d.guarded(ctx, false, "ps", "--filter", "ancestor="+image, "--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return nil, err
	}
	infos := parsePS(out)
	if len(infos) == 0 {
		return nil, fmt.Errorf("no running container for image %s", image)
	}
	return &infos[0], nil
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	_, err := d.guarded(ctx, true, "stop", name)
	return err
}

func (d *Docker) Start(ctx context.Context, name string) error {
	_, err := d.guarded(ctx, true, "start", name)
	return err
}

func (d *Docker) Kill(ctx context.Context, name string) error {
	_, err := d.guarded(ctx, true, "kill", name)
	return err
}

// ComposeUp brings up the named services detached.
func (d *Docker) ComposeUp(ctx context.Context, services ...string) error {
	args := append(d.composeArgs("up", "-d"), services...)
	_, err := d.guarded(ctx, true, args...)
	return err
}

// ComposeBuild builds images for the named services.
func (d *Docker) ComposeBuild(ctx context.Context, services ...string) error {
	args := append(d.composeArgs("build"), services...)
	_, err := d.guarded(ctx, true, args...)
	return err
}

func (d *Docker) composeArgs(sub ...string) []string {
	args := []string{"compose"}
	if d.composeFile != "" {
		args = append(args, "-f", d.composeFile)
	}
	if d.project != "" {
		args = append(args, "-p", d.project)
	}
	return append(args, sub...)
}

func parsePS(out []byte) []ContainerInfo {
	var infos []ContainerInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		info := ContainerInfo{Name: parts[0]}
		if len(parts) > 1 {
			info.Status = parts[1]
		}
		infos = append(infos, info)
	}
	return infos
}

func parseInspect(name string, out []byte) (*ContainerInfo, error) {
	parts := strings.SplitN(strings.TrimSpace(string(out)), "\t", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("unexpected inspect output for %s: %q", name, out)
	}
	info := &ContainerInfo{Name: name, Status: parts[0], Health: parts[1]}
	if ts, err := time.Parse(time.RFC3339Nano, parts[2]); err == nil {
		info.StartedAt = ts
	}
	return info, nil
}
