package permission

// Behavior values carried by a Result.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Result is the verdict shape the agent SDK's tool-permission callback
// expects: allow with a (possibly updated) input, or deny with a message.
type Result struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

// Allow builds an allow verdict carrying the input the tool should run with.
func Allow(updatedInput map[string]any) Result {
	return Result{Behavior: BehaviorAllow, UpdatedInput: updatedInput}
}

// Deny builds a deny verdict with a message for the agent.
func Deny(message string) Result {
	return Result{Behavior: BehaviorDeny, Message: message}
}

// DenyInterrupt builds a deny verdict that also interrupts the agent turn.
func DenyInterrupt(message string) Result {
	return Result{Behavior: BehaviorDeny, Message: message, Interrupt: true}
}

// Allowed reports whether the verdict permits the tool call.
func (r Result) Allowed() bool {
	return r.Behavior == BehaviorAllow
}
