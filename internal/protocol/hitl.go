package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	hitlStartMarker = "__HITL_COMMAND__"
	hitlEndMarker   = "__HITL_COMMAND_END__"
)

// HITL command types understood by the running agent.
const (
	HITLSubmitFeedback        = "submit_feedback"
	HITLConfirmInterpretation = "confirm_interpretation"
	HITLRequestIntervention   = "request_manual_intervention"
)

// HITLCommand is a human-in-the-loop instruction written to the agent's stdin.
type HITLCommand struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// EncodeHITL frames a command for the stdin protocol, newline terminated.
func EncodeHITL(cmd HITLCommand) ([]byte, error) {
	switch cmd.Type {
	case HITLSubmitFeedback, HITLConfirmInterpretation, HITLRequestIntervention:
	default:
		return nil, fmt.Errorf("unknown HITL command type %q", cmd.Type)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding HITL command: %w", err)
	}
	return []byte(hitlStartMarker + string(payload) + hitlEndMarker + "\n"), nil
}
