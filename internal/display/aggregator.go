// Package display turns the raw event stream of an execution backend into a
// causally ordered, de-duplicated sequence fit for rendering: reasoning
// before the step it explains, one tool header per invocation, explicit
// swarm hand-offs.
package display

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/protocol"
)

// outputDedupeWindow suppresses an identical output line arriving right
// after its twin. Upstream emitters occasionally double-send.
const outputDedupeWindow = time.Second

// Aggregator is a per-execution state machine. It is not safe for
// concurrent use; feed it from the single goroutine draining the backend.
type Aggregator struct {
	pendingHeader *protocol.StepHeader
	currentStep   int

	thinkingActive  bool
	reasoningActive bool

	lastOutput   string
	lastOutputAt time.Time

	swarmActive  bool
	currentAgent string
	handoffSeq   int

	// shownTools dedupes tool_start by (step, toolID); entries are removed
	// on the matching tool_end to bound memory over long runs.
	shownTools map[string]bool
	keyByTool  map[string]string

	now func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		shownTools: make(map[string]bool),
		keyByTool:  make(map[string]string),
		now:        time.Now,
	}
}

// Process consumes one stream event and returns zero or more display-ready
// events. One input can fan out, e.g. ending a thinking animation and
// emitting the content that ended it.
func (a *Aggregator) Process(ev protocol.Event) []protocol.Event {
	switch e := ev.(type) {
	case *protocol.StepHeader:
		return a.onStepHeader(e)
	case *protocol.Reasoning:
		return a.onReasoning(e)
	case *protocol.Thinking:
		a.reasoningActive = false
		a.thinkingActive = true
		return []protocol.Event{e}
	case *protocol.DelayedThinkingStart:
		a.reasoningActive = false
		a.thinkingActive = true
		return []protocol.Event{e}
	case *protocol.ThinkingEnd:
		a.thinkingActive = false
		return []protocol.Event{e}
	case *protocol.ToolStart:
		return a.onToolStart(e)
	case *protocol.ShellCommand:
		return append(a.flushHeader(), e)
	case *protocol.ToolOutput:
		return append(a.flushHeader(), e)
	case *protocol.ToolEnd:
		return a.onToolEnd(e)
	case *protocol.Output:
		return a.onOutput(e)
	case *protocol.SwarmStart:
		return a.onSwarmStart(e)
	case *protocol.SwarmEnd:
		a.clearSwarm()
		return []protocol.Event{e}
	case *protocol.SwarmComplete:
		a.clearSwarm()
		return []protocol.Event{e}
	default:
		// Unknown kinds pass through; the aggregator is additive.
		return []protocol.Event{ev}
	}
}

// Flush ends the stream, releasing any still-pending step header.
func (a *Aggregator) Flush() []protocol.Event {
	return a.flushHeader()
}

func (a *Aggregator) onStepHeader(e *protocol.StepHeader) []protocol.Event {
	// A reasoning session explains the step before the one whose header
	// arrives next; the header closes it.
	a.reasoningActive = false

	if a.pendingHeader != nil {
		log.Debug().
			Int("dropped_step", a.pendingHeader.Step).
			Int("step", e.Step).
			Msg("replacing pending step header that never saw a tool event")
	}
	a.pendingHeader = e
	return nil
}

func (a *Aggregator) onReasoning(e *protocol.Reasoning) []protocol.Event {
	if e.Content == "" {
		return nil
	}
	var out []protocol.Event
	if a.thinkingActive {
		a.thinkingActive = false
		out = append(out, &protocol.ThinkingEnd{Envelope: newEnvelope(e.SessionID, a.now())})
	}
	a.reasoningActive = true
	return append(out, e)
}

func (a *Aggregator) onToolStart(e *protocol.ToolStart) []protocol.Event {
	out := a.flushHeader()

	key := fmt.Sprintf("%d:%s", a.currentStep, e.ToolID)
	if a.shownTools[key] {
		return out
	}
	a.shownTools[key] = true
	a.keyByTool[e.ToolID] = key

	if a.swarmActive && e.ToolName == protocol.HandoffToolName {
		handoff := a.handoffFrom(e)
		e.SwarmProcessed = true
		return append(out, handoff, e)
	}
	return append(out, e)
}

func (a *Aggregator) onToolEnd(e *protocol.ToolEnd) []protocol.Event {
	if key, ok := a.keyByTool[e.ToolID]; ok {
		delete(a.shownTools, key)
		delete(a.keyByTool, e.ToolID)
	}
	return []protocol.Event{e}
}

func (a *Aggregator) onOutput(e *protocol.Output) []protocol.Event {
	// Late output from a prior tool must not advance a pending header.
	now := a.now()
	if e.Content == a.lastOutput && now.Sub(a.lastOutputAt) < outputDedupeWindow {
		a.lastOutputAt = now
		return nil
	}
	a.lastOutput = e.Content
	a.lastOutputAt = now
	return []protocol.Event{e}
}

func (a *Aggregator) onSwarmStart(e *protocol.SwarmStart) []protocol.Event {
	a.swarmActive = true
	a.handoffSeq = 0
	a.currentAgent = e.InitialAgent
	if a.currentAgent == "" && len(e.Agents) > 0 {
		a.currentAgent = e.Agents[0]
	}
	return []protocol.Event{e}
}

func (a *Aggregator) handoffFrom(e *protocol.ToolStart) *protocol.SwarmHandoff {
	to, _ := e.Args["agent"].(string)
	if to == "" {
		to, _ = e.Args["to_agent"].(string)
	}
	message, _ := e.Args["message"].(string)

	a.handoffSeq++
	h := &protocol.SwarmHandoff{
		Envelope:  newEnvelope(e.SessionID, a.now()),
		FromAgent: a.currentAgent,
		ToAgent:   to,
		Message:   message,
		Sequence:  a.handoffSeq,
	}
	a.currentAgent = to
	return h
}

func (a *Aggregator) clearSwarm() {
	a.swarmActive = false
	a.currentAgent = ""
	a.handoffSeq = 0
}

func (a *Aggregator) flushHeader() []protocol.Event {
	if a.pendingHeader == nil {
		return nil
	}
	h := a.pendingHeader
	a.pendingHeader = nil
	a.currentStep = h.Step
	return []protocol.Event{h}
}

func newEnvelope(sessionID string, ts time.Time) protocol.Envelope {
	return protocol.Envelope{ID: uuid.New().String(), Timestamp: ts, SessionID: sessionID}
}
