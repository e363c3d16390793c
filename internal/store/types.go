package store

import "time"

// --- Session Index (sessions/index.json) ---

// SessionMeta carries everything a session needs to survive a daemon
// restart: the permission mode and the grants accumulated so far.
type SessionMeta struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Status       string            `json:"status"` // "active", "archived"
	Mode         string            `json:"mode,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	BashLiterals []string          `json:"bash_literals,omitempty"`
	BashPrefixes []string          `json:"bash_prefixes,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"` // e.g. "telegram_chat_id": "123"
}

type SessionIndex struct {
	Sessions map[string]SessionMeta `json:"sessions"`
}

// --- Transcript (sessions/<id>.jsonl) ---

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleVerdict   Role = "verdict"
)

type TranscriptEntry struct {
	ID         string         `json:"id"` // ULID
	Timestamp  time.Time      `json:"ts"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`         // tool name for verdicts
	ToolCallID string         `json:"tool_call_id,omitempty"` // link verdict to request
	Metadata   map[string]any `json:"meta,omitempty"`         // channel, origin, elapsed
}

// --- Idempotency Store (governance/processed_keys.json) ---

type ProcessedKeys struct {
	// Key: "source:event_id" -> Value: Timestamp
	Keys map[string]time.Time `json:"keys"`
}
