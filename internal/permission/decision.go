package permission

import (
	"strconv"
	"strings"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
)

// Decision is the canonical form of a human permission reply. The wire
// payload is loosely typed, with aliased keys and boolean-ish values, so
// everything downstream of NormalizeDecision works on this struct only.
type Decision struct {
	ToolCallID       string
	Approved         bool
	Reason           string
	Mode             Mode
	AllowTools       []string
	Answers          map[string][]string
	ClearContext     bool
	AutoApproveEdits bool

	// Raw keeps the original payload for response-ledger merging.
	Raw map[string]any
}

// NormalizeDecision folds a wire payload into a Decision. Tolerated input
// shapes: boolean fields as true/false, "true"/"false", or 1/0; key aliases
// clearContext/clear_context and autoApproveEdits/auto_approve_edits;
// answers in flat {key: [..]} or nested {key: {answers: [..]}} form, both
// normalized to flat. Only a missing tool-call id is an error, since such
// a payload cannot be routed at all.
func NormalizeDecision(payload map[string]any) (Decision, error) {
	d := Decision{Raw: payload}
	if payload == nil {
		return d, sekishoErrors.InvalidInput("decision payload is empty")
	}

	d.ToolCallID = stringField(payload, "id", "toolCallId", "tool_call_id")
	if d.ToolCallID == "" {
		return d, sekishoErrors.InvalidInput("decision payload has no tool call id")
	}

	d.Approved = boolField(payload, "approved")
	d.Reason = stringField(payload, "reason")
	d.ClearContext = boolField(payload, "clearContext", "clear_context")
	d.AutoApproveEdits = boolField(payload, "autoApproveEdits", "auto_approve_edits")

	if raw := stringField(payload, "mode"); raw != "" {
		if mode, ok := ParseMode(raw); ok {
			d.Mode = mode
		}
	}

	if raw, ok := payload["allowTools"]; ok {
		d.AllowTools = stringSlice(raw)
	} else if raw, ok := payload["allow_tools"]; ok {
		d.AllowTools = stringSlice(raw)
	}

	if raw, ok := payload["answers"]; ok {
		d.Answers = normalizeAnswers(raw)
	}

	return d, nil
}

// normalizeAnswers flattens both supported answer shapes into {key: [..]}.
func normalizeAnswers(raw any) map[string][]string {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	out := make(map[string][]string, len(obj))
	for key, value := range obj {
		if nested, ok := value.(map[string]any); ok {
			if answers := stringSlice(nested["answers"]); len(answers) > 0 {
				out[key] = answers
			}
			continue
		}
		if answers := stringSlice(value); len(answers) > 0 {
			out[key] = answers
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if s, ok := raw.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// boolField decodes a boolean-ish value under any of the given keys.
// Anything undecodable counts as false, the restrictive reading.
func boolField(payload map[string]any, keys ...string) bool {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case bool:
			return v
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return false
			}
			return parsed
		case float64:
			return v == 1
		case int:
			return v == 1
		}
	}
	return false
}

func stringSlice(raw any) []string {
	var out []string
	switch items := raw.(type) {
	case []any:
		for _, item := range items {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range items {
			if s != "" {
				out = append(out, s)
			}
		}
	case string:
		if items != "" {
			out = []string{items}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
