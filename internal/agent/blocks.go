package agent

import (
	"encoding/json"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
)

// ToolUse is one tool invocation observed on an assistant frame.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the completion marker observed on a user frame.
type ToolResult struct {
	ToolUseID string
	IsError   bool
}

// AssistantContent splits an assistant frame into its text segments and
// tool invocations.
func (e *Envelope) AssistantContent() ([]string, []ToolUse, error) {
	if e.Type != EnvelopeAssistant {
		return nil, nil, nil
	}
	if len(e.Message) == 0 {
		return nil, nil, sekishoErrors.MalformedEnvelope("assistant envelope missing message")
	}

	var msg anthropic.Message
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return nil, nil, fmt.Errorf("malformed assistant message: %v: %w", err, sekishoErrors.ErrMalformedEnvelope)
	}

	var texts []string
	var uses []ToolUse
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			texts = append(texts, b.Text)
		case anthropic.ToolUseBlock:
			input, err := decodeToolInput(b.Input)
			if err != nil {
				return nil, nil, fmt.Errorf("tool_use %s: %w", b.ID, err)
			}
			uses = append(uses, ToolUse{ID: b.ID, Name: b.Name, Input: input})
		}
	}
	return texts, uses, nil
}

func decodeToolInput(raw any) (map[string]any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode tool input: %w", err)
	}
	if len(data) == 0 || string(data) == "null" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("decode tool input: %v: %w", err, sekishoErrors.ErrMalformedEnvelope)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

// userMessage mirrors the SDK user-message shape just far enough to pull
// out tool_result markers. Content may also be a bare string, which
// carries no results.
type userMessage struct {
	Content json.RawMessage `json:"content"`
}

type userContentBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error"`
}

// ToolResults extracts tool_result markers from a user frame. Frames whose
// content is plain text return an empty slice.
func (e *Envelope) ToolResults() ([]ToolResult, error) {
	if e.Type != EnvelopeUser || len(e.Message) == 0 {
		return nil, nil
	}

	var msg userMessage
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return nil, fmt.Errorf("malformed user message: %v: %w", err, sekishoErrors.ErrMalformedEnvelope)
	}

	var blocks []userContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		// String content: a typed user message, nothing to correlate.
		return nil, nil
	}

	var results []ToolResult
	for _, b := range blocks {
		if b.Type != "tool_result" || b.ToolUseID == "" {
			continue
		}
		results = append(results, ToolResult{ToolUseID: b.ToolUseID, IsError: b.IsError})
	}
	return results, nil
}
