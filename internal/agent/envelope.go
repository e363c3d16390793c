package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
)

// EnvelopeType discriminates the newline-delimited JSON frames on the
// agent bridge.
type EnvelopeType string

const (
	EnvelopeAssistant       EnvelopeType = "assistant"
	EnvelopeUser            EnvelopeType = "user"
	EnvelopeSystem          EnvelopeType = "system"
	EnvelopeResult          EnvelopeType = "result"
	EnvelopeControlRequest  EnvelopeType = "control_request"
	EnvelopeControlResponse EnvelopeType = "control_response"
)

// DefaultMaxEnvelopeBytes caps a single frame. Tool inputs can carry whole
// file contents, so the ceiling is generous.
const DefaultMaxEnvelopeBytes = 8 << 20

// Envelope is one frame of the agent stream. Message stays raw until a
// consumer knows the role it was sent with.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// Control frames only.
	RequestID string               `json:"request_id,omitempty"`
	Request   *ControlRequestBody  `json:"request,omitempty"`
	Response  *ControlResponseBody `json:"response,omitempty"`

	// Result frames only.
	IsError    bool   `json:"is_error,omitempty"`
	ResultText string `json:"result,omitempty"`
}

// ParseEnvelope decodes a single frame. A frame without a type field is
// malformed; unknown types are passed through for forward compatibility.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, sekishoErrors.MalformedEnvelope("empty frame")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %v: %w", err, sekishoErrors.ErrMalformedEnvelope)
	}
	if env.Type == "" {
		return nil, sekishoErrors.MalformedEnvelope("envelope missing type")
	}
	return &env, nil
}

// Scanner reads newline-delimited envelopes from a stream. Blank lines are
// skipped; a single oversized or broken frame fails the whole scan so the
// caller can decide whether to resync.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner wraps r with a line scanner sized for maxBytes frames. A
// non-positive maxBytes falls back to DefaultMaxEnvelopeBytes.
func NewScanner(r io.Reader, maxBytes int) *Scanner {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEnvelopeBytes
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxBytes)
	return &Scanner{scanner: s}
}

// Next returns the next envelope, or io.EOF when the stream ends.
func (s *Scanner) Next() (*Envelope, error) {
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return ParseEnvelope([]byte(line))
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("agent stream read failed: %w", err)
	}
	return nil, io.EOF
}
