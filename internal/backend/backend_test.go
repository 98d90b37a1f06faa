package backend

import (
	"strings"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	p := Params{
		Module:    "network_scan",
		Objective: "enumerate open services",
		Target:    "10.0.0.5",
		Provider:  "bedrock",
		Model:     "claude-sonnet",
		Region:    "us-west-2",
		OutputDir: "outputs",
	}

	got := strings.Join(buildArgs(p, 100), " ")
	want := "--module network_scan --objective enumerate open services --target 10.0.0.5 " +
		"--iterations 100 --provider bedrock --model claude-sonnet --region us-west-2 " +
		"--output-dir outputs --confirmations off"
	if got != want {
		t.Errorf("args = %q\nwant  %q", got, want)
	}
}

func TestBuildArgs_ExplicitIterationsAndOptionalsOmitted(t *testing.T) {
	p := Params{Module: "web", Objective: "o", Target: "t", Iterations: 25}

	got := strings.Join(buildArgs(p, 100), " ")
	if !strings.Contains(got, "--iterations 25") {
		t.Errorf("explicit iteration cap not used: %q", got)
	}
	for _, flag := range []string{"--provider", "--model", "--region", "--output-dir", "--verbose"} {
		if strings.Contains(got, flag) {
			t.Errorf("unset optional %s present: %q", flag, got)
		}
	}
}

func TestBuildEnv_PassthroughAndOverrides(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "s3cret")
	t.Setenv("LANGFUSE_HOST", "http://localhost:3000")
	t.Setenv("UNRELATED_VAR", "nope")

	env := buildEnv(map[string]string{"PYTHONUNBUFFERED": "1"})

	joined := strings.Join(env, "\n")
	for _, want := range []string{"AWS_SECRET_ACCESS_KEY=s3cret", "LANGFUSE_HOST=http://localhost:3000", "PYTHONUNBUFFERED=1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in env", want)
		}
	}
	if strings.Contains(joined, "UNRELATED_VAR") {
		t.Error("unrelated variable leaked into child env")
	}
}

func TestEnvAsFlags_NeverInlinesCredentialValues(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "s3cret")

	flags := envAsFlags(map[string]string{"PYTHONUNBUFFERED": "1"})

	joined := strings.Join(flags, " ")
	if !strings.Contains(joined, "-e AWS_SECRET_ACCESS_KEY") {
		t.Errorf("credential not exported: %q", joined)
	}
	if strings.Contains(joined, "s3cret") {
		t.Errorf("credential value inlined into argv: %q", joined)
	}
	if !strings.Contains(joined, "-e PYTHONUNBUFFERED=1") {
		t.Errorf("override missing: %q", joined)
	}
	// Process-only basics stay out of containers.
	if strings.Contains(joined, "-e PATH") || strings.Contains(joined, "-e HOME") {
		t.Errorf("host basics leaked into container env: %q", joined)
	}
}
