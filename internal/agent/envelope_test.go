package agent

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
)

const assistantFrame = `{"type":"assistant","session_id":"sess_1","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"Checking the repo."},{"type":"tool_use","id":"tc_1","name":"Bash","input":{"command":"git status"}}],"stop_reason":"tool_use"}}`

const userFrame = `{"type":"user","session_id":"sess_1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc_1","content":"clean","is_error":false}]}}`

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(assistantFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != EnvelopeAssistant || env.SessionID != "sess_1" {
		t.Errorf("unexpected envelope header %+v", env)
	}

	// Missing type is malformed.
	_, err = ParseEnvelope([]byte(`{"session_id":"sess_1"}`))
	if !errors.Is(err, sekishoErrors.ErrMalformedEnvelope) {
		t.Errorf("expected malformed envelope, got %v", err)
	}

	// Broken JSON is malformed.
	_, err = ParseEnvelope([]byte(`{"type":`))
	if !errors.Is(err, sekishoErrors.ErrMalformedEnvelope) {
		t.Errorf("expected malformed envelope, got %v", err)
	}

	// Unknown types pass through.
	env, err = ParseEnvelope([]byte(`{"type":"stream_event"}`))
	if err != nil || env.Type != "stream_event" {
		t.Errorf("unknown type must pass through, got %+v err=%v", env, err)
	}
}

func TestAssistantContent(t *testing.T) {
	env, err := ParseEnvelope([]byte(assistantFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	texts, uses, err := env.AssistantContent()
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if len(texts) != 1 || texts[0] != "Checking the repo." {
		t.Errorf("unexpected texts %v", texts)
	}
	if len(uses) != 1 {
		t.Fatalf("expected 1 tool use, got %d", len(uses))
	}
	if uses[0].ID != "tc_1" || uses[0].Name != "Bash" {
		t.Errorf("unexpected tool use %+v", uses[0])
	}
	if uses[0].Input["command"] != "git status" {
		t.Errorf("unexpected input %+v", uses[0].Input)
	}

	// Non-assistant frames yield nothing.
	env = &Envelope{Type: EnvelopeUser, Message: json.RawMessage(`{}`)}
	texts, uses, err = env.AssistantContent()
	if err != nil || texts != nil || uses != nil {
		t.Errorf("user frame must yield nothing, got %v %v %v", texts, uses, err)
	}
}

func TestToolResults(t *testing.T) {
	env, err := ParseEnvelope([]byte(userFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	results, err := env.ToolResults()
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 || results[0].ToolUseID != "tc_1" || results[0].IsError {
		t.Errorf("unexpected results %+v", results)
	}

	// Plain-text user content carries no results.
	env, _ = ParseEnvelope([]byte(`{"type":"user","message":{"role":"user","content":"hello"}}`))
	results, err = env.ToolResults()
	if err != nil || len(results) != 0 {
		t.Errorf("text content must yield nothing, got %+v err=%v", results, err)
	}
}

func TestControlFrames(t *testing.T) {
	frame := `{"type":"control_request","request_id":"req_1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"tc_9"}}`
	env, err := ParseEnvelope([]byte(frame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Request == nil || env.Request.Subtype != SubtypeCanUseTool {
		t.Fatalf("unexpected request %+v", env.Request)
	}
	if env.Request.ToolName != "Bash" || env.Request.ToolUseID != "tc_9" {
		t.Errorf("unexpected request fields %+v", env.Request)
	}

	resp := NewControlResponse("req_1", map[string]any{"behavior": "allow"})
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	round, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if round.Response == nil || round.Response.Subtype != SubtypeSuccess || round.Response.RequestID != "req_1" {
		t.Errorf("unexpected response %+v", round.Response)
	}

	errFrame := NewControlError("req_2", errors.New("no matching tool call"))
	if errFrame.Response.Subtype != SubtypeError || errFrame.Response.Error != "no matching tool call" {
		t.Errorf("unexpected error frame %+v", errFrame.Response)
	}
}

func TestScanner(t *testing.T) {
	stream := assistantFrame + "\n\n" + userFrame + "\r\n"
	s := NewScanner(strings.NewReader(stream), 0)

	first, err := s.Next()
	if err != nil || first.Type != EnvelopeAssistant {
		t.Fatalf("first frame: %+v err=%v", first, err)
	}
	second, err := s.Next()
	if err != nil || second.Type != EnvelopeUser {
		t.Fatalf("second frame: %+v err=%v", second, err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}
