package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event kind discriminators as they appear on the wire.
const (
	KindStepHeader           = "step_header"
	KindReasoning            = "reasoning"
	KindThinking             = "thinking"
	KindThinkingEnd          = "thinking_end"
	KindDelayedThinkingStart = "delayed_thinking_start"
	KindToolStart            = "tool_start"
	KindToolEnd              = "tool_end"
	KindToolOutput           = "tool_output"
	KindShellCommand         = "shell_command"
	KindOutput               = "output"
	KindSwarmStart           = "swarm_start"
	KindSwarmEnd             = "swarm_end"
	KindSwarmComplete        = "swarm_complete"
	KindSwarmHandoff         = "swarm_handoff"
	KindError                = "error"
)

// HandoffToolName is the tool invocation that transfers control between
// swarm agents; the aggregator rewrites it into a SwarmHandoff event.
const HandoffToolName = "handoff_to_agent"

// Envelope carries the fields common to every structured event.
type Envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Event is one structured event extracted from the agent's output stream.
// Concrete kinds carry only their relevant fields.
type Event interface {
	Kind() string
	Env() *Envelope
}

type StepHeader struct {
	Envelope
	Step      int    `json:"step"`
	MaxSteps  int    `json:"maxSteps,omitempty"`
	Operation string `json:"operation,omitempty"`
}

type Reasoning struct {
	Envelope
	Content string `json:"content"`
}

type Thinking struct {
	Envelope
	Context string `json:"context,omitempty"`
}

type ThinkingEnd struct {
	Envelope
}

type DelayedThinkingStart struct {
	Envelope
	Context string `json:"context,omitempty"`
}

type ToolStart struct {
	Envelope
	ToolID   string         `json:"toolId"`
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
	// SwarmProcessed marks a handoff invocation already rendered as a
	// SwarmHandoff so consumers do not display it twice.
	SwarmProcessed bool `json:"swarmProcessed,omitempty"`
}

type ToolEnd struct {
	Envelope
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName,omitempty"`
	Status   string `json:"status,omitempty"`
	Output   string `json:"output,omitempty"`
}

type ToolOutput struct {
	Envelope
	ToolID  string `json:"toolId,omitempty"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

type ShellCommand struct {
	Envelope
	Command string `json:"command"`
}

type Output struct {
	Envelope
	Content string `json:"content"`
}

type SwarmStart struct {
	Envelope
	Agents       []string `json:"agents,omitempty"`
	InitialAgent string   `json:"initialAgent,omitempty"`
	Task         string   `json:"task,omitempty"`
}

type SwarmEnd struct {
	Envelope
}

type SwarmComplete struct {
	Envelope
	FinalAgent string `json:"finalAgent,omitempty"`
}

// SwarmHandoff is synthesized by the aggregator; it never appears on the wire.
type SwarmHandoff struct {
	Envelope
	FromAgent string `json:"fromAgent"`
	ToAgent   string `json:"toAgent"`
	Message   string `json:"message,omitempty"`
	Sequence  int    `json:"sequence"`
}

type ErrorEvent struct {
	Envelope
	Message string `json:"message"`
}

// Generic carries an event kind this package does not model. Unknown kinds
// pass through the pipeline unchanged with their payload preserved.
type Generic struct {
	Envelope
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (e *StepHeader) Kind() string           { return KindStepHeader }
func (e *Reasoning) Kind() string            { return KindReasoning }
func (e *Thinking) Kind() string             { return KindThinking }
func (e *ThinkingEnd) Kind() string          { return KindThinkingEnd }
func (e *DelayedThinkingStart) Kind() string { return KindDelayedThinkingStart }
func (e *ToolStart) Kind() string            { return KindToolStart }
func (e *ToolEnd) Kind() string              { return KindToolEnd }
func (e *ToolOutput) Kind() string           { return KindToolOutput }
func (e *ShellCommand) Kind() string         { return KindShellCommand }
func (e *Output) Kind() string               { return KindOutput }
func (e *SwarmStart) Kind() string           { return KindSwarmStart }
func (e *SwarmEnd) Kind() string             { return KindSwarmEnd }
func (e *SwarmComplete) Kind() string        { return KindSwarmComplete }
func (e *SwarmHandoff) Kind() string         { return KindSwarmHandoff }
func (e *ErrorEvent) Kind() string           { return KindError }
func (e *Generic) Kind() string              { return e.Type }

func (e *Envelope) Env() *Envelope { return e }

// wireEvent is the superset of fields any known kind may carry. Decoding
// goes through it so each kind maps fields explicitly instead of spreading
// arbitrary upstream payloads into the result.
type wireEvent struct {
	Type         string         `json:"type"`
	ID           string         `json:"id"`
	Timestamp    json.Number    `json:"timestamp"`
	SessionID    string         `json:"sessionId"`
	Step         int            `json:"step"`
	MaxSteps     int            `json:"maxSteps"`
	Operation    string         `json:"operation"`
	Content      string         `json:"content"`
	Context      string         `json:"context"`
	ToolID       string         `json:"toolId"`
	ToolName     string         `json:"toolName"`
	Args         map[string]any `json:"args"`
	Status       string         `json:"status"`
	ToolOutput   string         `json:"output"`
	Command      string         `json:"command"`
	Agents       []string       `json:"agents"`
	InitialAgent string         `json:"initialAgent"`
	Task         string         `json:"task"`
	FinalAgent   string         `json:"finalAgent"`
	Message      string         `json:"message"`
}

// DecodeEvent parses one JSON payload extracted from a marker span.
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("decoding event: missing type discriminator")
	}

	env := Envelope{ID: w.ID, SessionID: w.SessionID, Timestamp: parseTimestamp(w.Timestamp)}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}

	switch w.Type {
	case KindStepHeader:
		return &StepHeader{Envelope: env, Step: w.Step, MaxSteps: w.MaxSteps, Operation: w.Operation}, nil
	case KindReasoning:
		return &Reasoning{Envelope: env, Content: w.Content}, nil
	case KindThinking:
		return &Thinking{Envelope: env, Context: w.Context}, nil
	case KindThinkingEnd:
		return &ThinkingEnd{Envelope: env}, nil
	case KindDelayedThinkingStart:
		return &DelayedThinkingStart{Envelope: env, Context: w.Context}, nil
	case KindToolStart:
		return &ToolStart{Envelope: env, ToolID: w.ToolID, ToolName: w.ToolName, Args: w.Args}, nil
	case KindToolEnd:
		return &ToolEnd{Envelope: env, ToolID: w.ToolID, ToolName: w.ToolName, Status: w.Status, Output: w.ToolOutput}, nil
	case KindToolOutput:
		return &ToolOutput{Envelope: env, ToolID: w.ToolID, Content: w.Content, Status: w.Status}, nil
	case KindShellCommand:
		return &ShellCommand{Envelope: env, Command: w.Command}, nil
	case KindOutput:
		return &Output{Envelope: env, Content: w.Content}, nil
	case KindSwarmStart:
		return &SwarmStart{Envelope: env, Agents: w.Agents, InitialAgent: w.InitialAgent, Task: w.Task}, nil
	case KindSwarmEnd:
		return &SwarmEnd{Envelope: env}, nil
	case KindSwarmComplete:
		return &SwarmComplete{Envelope: env, FinalAgent: w.FinalAgent}, nil
	case KindError:
		return &ErrorEvent{Envelope: env, Message: w.Message}, nil
	default:
		var fields map[string]any
		_ = json.Unmarshal(raw, &fields)
		delete(fields, "type")
		delete(fields, "id")
		delete(fields, "timestamp")
		delete(fields, "sessionId")
		return &Generic{Envelope: env, Type: w.Type, Fields: fields}, nil
	}
}

// NewOutput wraps a plain text line in an Output event.
func NewOutput(content string) *Output {
	return &Output{
		Envelope: Envelope{ID: uuid.New().String(), Timestamp: time.Now()},
		Content:  content,
	}
}

func parseTimestamp(n json.Number) time.Time {
	if n == "" {
		return time.Now()
	}
	if ms, err := n.Int64(); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Now()
}
