package permission

// Mode is the session-wide permission policy controlling which tool calls
// are auto-approved without human review.
type Mode string

const (
	// ModeDefault prompts for every gated tool call.
	ModeDefault Mode = "default"
	// ModeAcceptEdits auto-approves edit-type tools.
	ModeAcceptEdits Mode = "acceptEdits"
	// ModeBypassPermissions auto-approves everything except question tools.
	ModeBypassPermissions Mode = "bypassPermissions"
	// ModePlan keeps the agent in read-only planning until plan exit is approved.
	ModePlan Mode = "plan"
)

// ParseMode returns the Mode for s, reporting whether s names a known mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeDefault, ModeAcceptEdits, ModeBypassPermissions, ModePlan:
		return Mode(s), true
	default:
		return "", false
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	_, ok := ParseMode(string(m))
	return ok
}

// exitTarget reports whether m may be entered when leaving plan mode.
// Plan mode cannot be the target of its own exit.
func (m Mode) exitTarget() bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModeBypassPermissions:
		return true
	default:
		return false
	}
}
