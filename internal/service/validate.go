package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/backend"
	"cyber-agent-runner/internal/deploy"
)

// IssueCategory classifies what part of the environment a validation
// issue concerns.
type IssueCategory string

const (
	CategoryRuntime     IssueCategory = "runtime"
	CategoryEngine      IssueCategory = "engine"
	CategoryCredentials IssueCategory = "credentials"
	CategoryNetwork     IssueCategory = "network"
	CategoryFilesystem  IssueCategory = "filesystem"
	CategoryConfig      IssueCategory = "config"
)

type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

type ValidationIssue struct {
	Category   IssueCategory `json:"category"`
	Severity   IssueSeverity `json:"severity"`
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// ValidationResult is produced fresh on every Validate call and never
// persisted.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Error    string            `json:"error,omitempty"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

func (r *ValidationResult) addError(cat IssueCategory, msg, suggestion string) {
	r.Issues = append(r.Issues, ValidationIssue{Category: cat, Severity: SeverityError, Message: msg, Suggestion: suggestion})
}

func (r *ValidationResult) addWarning(cat IssueCategory, msg, suggestion string) {
	r.Issues = append(r.Issues, ValidationIssue{Category: cat, Severity: SeverityWarning, Message: msg, Suggestion: suggestion})
	r.Warnings = append(r.Warnings, msg)
}

// credentialVars is checked in order; any one present satisfies the
// credentials requirement.
var credentialVars = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_PROFILE",
	"AWS_BEARER_TOKEN_BEDROCK",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"OLLAMA_HOST",
}

// Validate runs fast environment checks for this service's mode. It is
// side-effect free and safe to call repeatedly.
func (s *Service) Validate(ctx context.Context) ValidationResult {
	var r ValidationResult

	s.validateCredentials(&r)
	s.validateOutputDir(&r)

	switch s.mode {
	case NativeProcess:
		s.validateRuntime(&r)
	case SingleContainer:
		s.validateEngine(ctx, &r)
	case ContainerStack:
		s.validateEngine(ctx, &r)
		s.validateStack(&r)
	}

	r.Valid = true
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			r.Valid = false
			r.Error = issue.Message
			break
		}
	}
	return r
}

func (s *Service) validateCredentials(r *ValidationResult) {
	for _, name := range credentialVars {
		if os.Getenv(name) != "" {
			return
		}
	}
	r.addError(CategoryCredentials,
		"no model provider credentials found in the environment",
		"export AWS credentials, ANTHROPIC_API_KEY, OPENAI_API_KEY, or OLLAMA_HOST")
}

func (s *Service) validateOutputDir(r *ValidationResult) {
	dir := s.cfg.Execution.OutputDir
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		r.addWarning(CategoryFilesystem,
			fmt.Sprintf("output directory %s does not exist yet", dir),
			"it will be created on first run")
	case err != nil:
		r.addError(CategoryFilesystem,
			fmt.Sprintf("cannot access output directory %s: %v", dir, err), "")
	case !info.IsDir():
		r.addError(CategoryFilesystem,
			fmt.Sprintf("output path %s is not a directory", dir), "")
	}
}

func (s *Service) validateRuntime(r *ValidationResult) {
	if _, err := exec.LookPath(s.cfg.Execution.AgentCommand); err != nil {
		r.addError(CategoryRuntime,
			fmt.Sprintf("agent command %q not found on PATH", s.cfg.Execution.AgentCommand),
			"run setup, or install the agent into the runtime environment")
	}
	if info, err := os.Stat(s.cfg.Execution.RuntimeDir); err != nil || !info.IsDir() {
		r.addError(CategoryRuntime,
			fmt.Sprintf("runtime environment %s is not prepared", s.cfg.Execution.RuntimeDir),
			"run setup to create it")
	}
}

func (s *Service) validateEngine(ctx context.Context, r *ValidationResult) {
	if s.opts.Engine == nil {
		r.addError(CategoryConfig, "no container engine configured for this mode", "")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.opts.Engine.Available(ctx); err != nil {
		r.addError(CategoryEngine,
			fmt.Sprintf("container engine unreachable: %v", err),
			"start the engine daemon and retry")
	}
}

func (s *Service) validateStack(r *ValidationResult) {
	if _, err := os.Stat(s.cfg.Deployment.ComposeFile); err != nil {
		r.addError(CategoryConfig,
			fmt.Sprintf("compose file %s not found", s.cfg.Deployment.ComposeFile),
			"point deployment.compose_file at the stack definition")
	}
	if os.Getenv("LANGFUSE_PUBLIC_KEY") == "" {
		r.addWarning(CategoryNetwork,
			"LANGFUSE_PUBLIC_KEY not set, traces will not reach the observability stack",
			"export the Langfuse keypair before running")
	}
}

// engineBuilder is the extra surface container setup needs.
type engineBuilder interface {
	ComposeBuild(ctx context.Context, services ...string) error
}

// Setup prepares the environment for this mode. It is idempotent; a
// fully prepared environment is a fast no-op.
func (s *Service) Setup(ctx context.Context, progress func(string)) error {
	if progress == nil {
		progress = func(string) {}
	}

	for _, dir := range []string{s.cfg.Execution.OutputDir, s.cfg.Execution.ToolsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	switch s.mode {
	case NativeProcess:
		return s.setupRuntime(ctx, progress)
	case SingleContainer:
		return s.setupImage(ctx, progress)
	case ContainerStack:
		if err := s.setupImage(ctx, progress); err != nil {
			return err
		}
		if s.opts.Manager == nil {
			return nil
		}
		progress("Bringing up the full stack")
		return s.opts.Manager.SwitchToMode(ctx, deploy.ModeFullStack, progress)
	}
	return nil
}

func (s *Service) setupRuntime(ctx context.Context, progress func(string)) error {
	dir := s.cfg.Execution.RuntimeDir
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		progress("Runtime environment already prepared")
		return nil
	}

	progress("Creating runtime environment " + dir)
	cmd := exec.CommandContext(ctx, "python3", "-m", "venv", dir) // #nosec G204 -- dir from config
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating runtime environment: %v: %s", err, out)
	}
	log.Info().Str("runtime_dir", dir).Msg("runtime environment created")
	return nil
}

func (s *Service) setupImage(ctx context.Context, progress func(string)) error {
	builder, ok := s.opts.Engine.(engineBuilder)
	if !ok {
		return nil
	}
	if err := s.opts.Engine.Available(ctx); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrEngineDown, err)
	}
	progress("Building agent image")
	return builder.ComposeBuild(ctx, s.cfg.Deployment.AgentService)
}
