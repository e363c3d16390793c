package tool

import (
	"strings"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Descriptor is the static classification of a tool name. The agent's tool
// names arrive in several spellings (CamelCase from the SDK, snake_case
// from control frames), so classification runs on a canonical key.
type Descriptor struct {
	Name     string
	Edit     bool
	ReadOnly bool
	Question bool
	PlanExit bool
	Bash     bool
	Risk     RiskLevel
}

// question tools solicit structured answers from the human and are exempt
// from allowlist and mode auto-approval.
var questionTools = map[string]struct{}{
	"askuserquestion":  {},
	"requestuserinput": {},
}

// plan-exit tools request leaving plan mode; always denied at the SDK
// level with approval redirected into mode change plus queue injection.
var planExitTools = map[string]struct{}{
	"exitplanmode": {},
}

// edit tools mutate files or notebooks; auto-approved under acceptEdits.
var editTools = map[string]struct{}{
	"edit":         {},
	"write":        {},
	"multiedit":    {},
	"notebookedit": {},
}

// read-only tools never mutate state; used for prompt rendering hints.
var readOnlyTools = map[string]struct{}{
	"read":      {},
	"glob":      {},
	"grep":      {},
	"ls":        {},
	"webfetch":  {},
	"websearch": {},
	"todoread":  {},
}

var bashTools = map[string]struct{}{
	"bash": {},
}

// Describe classifies a tool name.
func Describe(name string) Descriptor {
	key := canonicalToolName(name)
	d := Descriptor{Name: name, Risk: RiskMedium}

	if _, ok := questionTools[key]; ok {
		d.Question = true
		d.Risk = RiskLow
	}
	if _, ok := planExitTools[key]; ok {
		d.PlanExit = true
		d.Risk = RiskLow
	}
	if _, ok := editTools[key]; ok {
		d.Edit = true
	}
	if _, ok := readOnlyTools[key]; ok {
		d.ReadOnly = true
		d.Risk = RiskLow
	}
	if _, ok := bashTools[key]; ok {
		d.Bash = true
		d.Risk = RiskHigh
	}
	return d
}

// IsQuestion reports whether the tool solicits answers from the human.
func IsQuestion(name string) bool {
	_, ok := questionTools[canonicalToolName(name)]
	return ok
}

// IsPlanExit reports whether the tool requests leaving plan mode.
func IsPlanExit(name string) bool {
	_, ok := planExitTools[canonicalToolName(name)]
	return ok
}

// IsEdit reports whether the tool is edit-type.
func IsEdit(name string) bool {
	_, ok := editTools[canonicalToolName(name)]
	return ok
}

// IsReadOnly reports whether the tool never mutates state.
func IsReadOnly(name string) bool {
	_, ok := readOnlyTools[canonicalToolName(name)]
	return ok
}

// IsBash reports whether the tool runs shell commands.
func IsBash(name string) bool {
	_, ok := bashTools[canonicalToolName(name)]
	return ok
}

// canonicalToolName folds all spellings of a tool name onto one key:
// "AskUserQuestion", "ask_user_question" and "askuserquestion" are the
// same tool.
func canonicalToolName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(lowered, "_", "")
}
