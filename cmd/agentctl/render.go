package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cyber-agent-runner/internal/deploy"
	"cyber-agent-runner/internal/display"
	"cyber-agent-runner/internal/protocol"
	"cyber-agent-runner/internal/service"
	"cyber-agent-runner/internal/storage"
)

func milestone(msg string) {
	fmt.Printf("==> %s\n", msg)
}

// renderEvents drains the execution's event stream through the display
// aggregator and prints one line per display-ready event.
func renderEvents(events <-chan protocol.Event) {
	agg := display.NewAggregator()
	for ev := range events {
		for _, out := range agg.Process(ev) {
			printEvent(out)
		}
	}
	for _, out := range agg.Flush() {
		printEvent(out)
	}
}

func printEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.StepHeader:
		if e.MaxSteps > 0 {
			fmt.Printf("\n[step %d/%d] %s\n", e.Step, e.MaxSteps, e.Operation)
		} else {
			fmt.Printf("\n[step %d] %s\n", e.Step, e.Operation)
		}
	case *protocol.Reasoning:
		fmt.Printf("  reasoning: %s\n", e.Content)
	case *protocol.Thinking:
		fmt.Println("  thinking...")
	case *protocol.ThinkingEnd:
		// Terminal rendering would clear a spinner here; nothing to print.
	case *protocol.ToolStart:
		if e.SwarmProcessed {
			return
		}
		fmt.Printf("  tool: %s\n", e.ToolName)
	case *protocol.ToolEnd:
		if e.Status != "" && e.Status != "success" {
			fmt.Printf("  tool %s finished: %s\n", e.ToolName, e.Status)
		}
	case *protocol.ToolOutput:
		fmt.Printf("  %s\n", strings.TrimRight(e.Content, "\n"))
	case *protocol.ShellCommand:
		fmt.Printf("  $ %s\n", e.Command)
	case *protocol.Output:
		fmt.Println(e.Content)
	case *protocol.SwarmHandoff:
		fmt.Printf("  handoff %d: %s -> %s (%s)\n", e.Sequence, e.FromAgent, e.ToAgent, e.Message)
	case *protocol.ErrorEvent:
		fmt.Fprintf(os.Stderr, "  error: %s\n", e.Message)
	default:
		fmt.Printf("  [%s]\n", ev.Kind())
	}
}

func printResult(res service.ExecutionResult) {
	fmt.Println()
	switch {
	case res.Stopped:
		fmt.Println("Assessment stopped by user")
	case res.Success:
		fmt.Println("Assessment complete")
	default:
		fmt.Printf("Assessment failed (exit %d)\n", res.ExitCode)
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "  %v\n", res.Err)
		}
	}
	fmt.Printf("  duration: %s  steps: %d  findings: %d\n",
		(time.Duration(res.DurationMs) * time.Millisecond).Round(time.Second),
		res.StepsExecuted, res.FindingsCount)
}

func printValidation(r service.ValidationResult) {
	if r.Valid {
		fmt.Println("Environment ready")
	} else {
		fmt.Println("Environment not ready")
	}
	for _, issue := range r.Issues {
		fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Category, issue.Message)
		if issue.Suggestion != "" {
			fmt.Printf("      hint: %s\n", issue.Suggestion)
		}
	}
}

func printHealth(status deploy.HealthStatus) {
	fmt.Printf("Overall: %s\n", status.Overall)
	for _, svc := range status.Services {
		line := fmt.Sprintf("  %-16s %s", svc.Name, svc.State)
		if svc.Health != "" {
			line += " (" + svc.Health + ")"
		}
		if svc.Uptime > 0 {
			line += fmt.Sprintf("  up %s", svc.Uptime)
		}
		if svc.Error != "" {
			line += "  " + svc.Error
		}
		fmt.Println(line)
	}
}

func printHistory(records []storage.Assessment) {
	if len(records) == 0 {
		fmt.Println("No archived assessments")
		return
	}
	fmt.Printf("%-36s  %-16s  %-12s  %-20s  %-8s  %s\n",
		"ID", "MODE", "MODULE", "TARGET", "RESULT", "STARTED")
	for _, rec := range records {
		result := "error"
		switch {
		case rec.Stopped:
			result = "stopped"
		case rec.Success:
			result = "ok"
		}
		fmt.Printf("%-36s  %-16s  %-12s  %-20s  %-8s  %s\n",
			rec.ID, rec.Mode, rec.Module, rec.Target, result,
			rec.StartedAt.Format(time.RFC3339))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
