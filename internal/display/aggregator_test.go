package display

import (
	"strings"
	"testing"
	"time"

	"cyber-agent-runner/internal/protocol"
)

func kinds(events []protocol.Event) string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.Kind())
	}
	return strings.Join(out, ",")
}

func processAll(a *Aggregator, events ...protocol.Event) []protocol.Event {
	var out []protocol.Event
	for _, ev := range events {
		out = append(out, a.Process(ev)...)
	}
	return out
}

func TestHeaderGating_ReasoningBeforeHeader(t *testing.T) {
	a := NewAggregator()

	out := processAll(a,
		&protocol.StepHeader{Step: 1},
		&protocol.Reasoning{Content: "x"},
		&protocol.ToolStart{ToolID: "a", ToolName: "nmap"},
		&protocol.ToolEnd{ToolID: "a"},
	)

	want := "reasoning,step_header,tool_start,tool_end"
	if got := kinds(out); got != want {
		t.Errorf("sequence = %s, want %s", got, want)
	}
}

func TestHeaderGating_OutputDoesNotFlush(t *testing.T) {
	a := NewAggregator()

	out := processAll(a,
		&protocol.StepHeader{Step: 2},
		&protocol.Output{Content: "late output from step 1"},
	)

	if got := kinds(out); got != "output" {
		t.Errorf("sequence = %s, want output only (header still pending)", got)
	}

	out = a.Process(&protocol.ShellCommand{Command: "ls"})
	if got := kinds(out); got != "step_header,shell_command" {
		t.Errorf("sequence = %s, want step_header,shell_command", got)
	}
}

func TestHeaderGating_AtMostOnePending(t *testing.T) {
	a := NewAggregator()

	processAll(a, &protocol.StepHeader{Step: 1}, &protocol.StepHeader{Step: 2})
	out := a.Process(&protocol.ToolStart{ToolID: "t", ToolName: "curl"})

	if len(out) != 2 {
		t.Fatalf("got %d events, want 2", len(out))
	}
	h, ok := out[0].(*protocol.StepHeader)
	if !ok || h.Step != 2 {
		t.Errorf("flushed header = %+v, want step 2", out[0])
	}
}

func TestFlush_EmitsPendingHeader(t *testing.T) {
	a := NewAggregator()
	a.Process(&protocol.StepHeader{Step: 7})

	out := a.Flush()
	if got := kinds(out); got != "step_header" {
		t.Errorf("Flush() = %s, want step_header", got)
	}
	if len(a.Flush()) != 0 {
		t.Error("second Flush() should emit nothing")
	}
}

func TestReasoningEndsThinking(t *testing.T) {
	a := NewAggregator()

	a.Process(&protocol.Thinking{})
	out := a.Process(&protocol.Reasoning{Content: "found an injection point"})

	if got := kinds(out); got != "thinking_end,reasoning" {
		t.Errorf("sequence = %s, want thinking_end,reasoning", got)
	}

	// Without active thinking there is no synthetic end.
	out = a.Process(&protocol.Reasoning{Content: "more"})
	if got := kinds(out); got != "reasoning" {
		t.Errorf("sequence = %s, want reasoning", got)
	}
}

func TestEmptyReasoningIgnored(t *testing.T) {
	a := NewAggregator()
	a.Process(&protocol.Thinking{})

	if out := a.Process(&protocol.Reasoning{Content: ""}); len(out) != 0 {
		t.Errorf("empty reasoning emitted %s", kinds(out))
	}
	if !a.thinkingActive {
		t.Error("empty reasoning must not end thinking")
	}
}

func TestToolStartDedupe(t *testing.T) {
	a := NewAggregator()
	a.Process(&protocol.StepHeader{Step: 1})

	first := a.Process(&protocol.ToolStart{ToolID: "a", ToolName: "nmap"})
	if got := kinds(first); got != "step_header,tool_start" {
		t.Fatalf("first = %s", got)
	}

	second := a.Process(&protocol.ToolStart{ToolID: "a", ToolName: "nmap"})
	if len(second) != 0 {
		t.Errorf("duplicate tool_start emitted %s, want nothing", kinds(second))
	}

	// tool_end cleans the dedupe entry; the same id in a later step shows again.
	a.Process(&protocol.ToolEnd{ToolID: "a"})
	if len(a.shownTools) != 0 {
		t.Errorf("shownTools has %d entries after tool_end, want 0", len(a.shownTools))
	}

	a.Process(&protocol.StepHeader{Step: 2})
	again := a.Process(&protocol.ToolStart{ToolID: "a", ToolName: "nmap"})
	if got := kinds(again); got != "step_header,tool_start" {
		t.Errorf("same tool id in new step = %s, want step_header,tool_start", got)
	}
}

func TestOutputDedupeWindow(t *testing.T) {
	a := NewAggregator()
	now := time.Now()
	a.now = func() time.Time { return now }

	if out := a.Process(&protocol.Output{Content: "scan complete"}); len(out) != 1 {
		t.Fatal("first output suppressed")
	}

	now = now.Add(500 * time.Millisecond)
	if out := a.Process(&protocol.Output{Content: "scan complete"}); len(out) != 0 {
		t.Error("identical output within window not suppressed")
	}

	now = now.Add(2 * time.Second)
	if out := a.Process(&protocol.Output{Content: "scan complete"}); len(out) != 1 {
		t.Error("identical output outside window suppressed")
	}

	if out := a.Process(&protocol.Output{Content: "different"}); len(out) != 1 {
		t.Error("different content suppressed")
	}
}

func TestSwarmHandoff(t *testing.T) {
	a := NewAggregator()

	a.Process(&protocol.SwarmStart{InitialAgent: "recon_agent"})

	out := a.Process(&protocol.ToolStart{
		ToolID:   "h1",
		ToolName: protocol.HandoffToolName,
		Args:     map[string]any{"agent": "exploit_agent", "message": "sqli on /login"},
	})
	if got := kinds(out); got != "swarm_handoff,tool_start" {
		t.Fatalf("sequence = %s, want swarm_handoff,tool_start", got)
	}

	h := out[0].(*protocol.SwarmHandoff)
	if h.FromAgent != "recon_agent" || h.ToAgent != "exploit_agent" {
		t.Errorf("handoff %s -> %s, want recon_agent -> exploit_agent", h.FromAgent, h.ToAgent)
	}
	if h.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", h.Sequence)
	}
	if h.Message != "sqli on /login" {
		t.Errorf("Message = %q", h.Message)
	}

	ts := out[1].(*protocol.ToolStart)
	if !ts.SwarmProcessed {
		t.Error("pass-through tool_start not flagged as processed")
	}

	// Second handoff increments the sequence and chains agents.
	out = a.Process(&protocol.ToolStart{
		ToolID:   "h2",
		ToolName: protocol.HandoffToolName,
		Args:     map[string]any{"agent": "report_agent"},
	})
	h = out[0].(*protocol.SwarmHandoff)
	if h.FromAgent != "exploit_agent" || h.Sequence != 2 {
		t.Errorf("second handoff from=%s seq=%d, want exploit_agent seq 2", h.FromAgent, h.Sequence)
	}
}

func TestHandoffOutsideSwarmIsPlainTool(t *testing.T) {
	a := NewAggregator()

	out := a.Process(&protocol.ToolStart{
		ToolID:   "h1",
		ToolName: protocol.HandoffToolName,
		Args:     map[string]any{"agent": "exploit_agent"},
	})
	if got := kinds(out); got != "tool_start" {
		t.Errorf("sequence = %s, want tool_start only", got)
	}
}

func TestSwarmEndClearsState(t *testing.T) {
	a := NewAggregator()

	a.Process(&protocol.SwarmStart{InitialAgent: "recon_agent"})
	a.Process(&protocol.ToolStart{ToolID: "h1", ToolName: protocol.HandoffToolName, Args: map[string]any{"agent": "x"}})
	a.Process(&protocol.SwarmEnd{})

	if a.swarmActive || a.currentAgent != "" || a.handoffSeq != 0 {
		t.Errorf("swarm state not cleared: active=%v agent=%q seq=%d", a.swarmActive, a.currentAgent, a.handoffSeq)
	}
}

func TestUnknownEventPassesThrough(t *testing.T) {
	a := NewAggregator()

	g := &protocol.Generic{Type: "memory_snapshot"}
	out := a.Process(g)
	if len(out) != 1 || out[0] != protocol.Event(g) {
		t.Errorf("unknown event not passed through unchanged")
	}
}
