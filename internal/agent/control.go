package agent

// Control request subtypes understood by the checkpoint.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Control response subtypes.
const (
	SubtypeSuccess = "success"
	SubtypeError   = "error"
)

// ControlRequestBody is the inner payload of a control_request frame.
// can_use_tool is the permission check; the other subtypes are passed
// through for visibility.
type ControlRequestBody struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
}

// ControlResponseBody is the inner payload of a control_response frame.
type ControlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewControlResponse frames a successful verdict for the agent. The result
// is marshaled as-is, so callers hand in the permission verdict directly.
func NewControlResponse(requestID string, result any) *Envelope {
	return &Envelope{
		Type: EnvelopeControlResponse,
		Response: &ControlResponseBody{
			Subtype:   SubtypeSuccess,
			RequestID: requestID,
			Response:  result,
		},
	}
}

// NewControlError frames a failed control request for the agent.
func NewControlError(requestID string, err error) *Envelope {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Envelope{
		Type: EnvelopeControlResponse,
		Response: &ControlResponseBody{
			Subtype:   SubtypeError,
			RequestID: requestID,
			Error:     msg,
		},
	}
}
