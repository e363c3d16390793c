package permission

import (
	"sort"
	"strings"
)

const bashGrantPrefix = "Bash("

// BashPermissionSet stores shell-command approval grants as two sets:
// literal full commands and command prefixes. Grants arrive as
// "Bash(<cmd>)" for a literal and "Bash(<cmd>:*)" for a prefix. A bare
// "Bash" grant is ignored as too broad to record safely, and any string
// that does not match the grant shapes is ignored silently so a malformed
// grant fails closed to "not granted".
//
// Not safe for concurrent use on its own; the owning engine serializes
// access.
type BashPermissionSet struct {
	literals map[string]struct{}
	prefixes map[string]struct{}
}

func NewBashPermissionSet() *BashPermissionSet {
	return &BashPermissionSet{
		literals: make(map[string]struct{}),
		prefixes: make(map[string]struct{}),
	}
}

// Grant records a permission string. It reports whether the string was a
// well-formed Bash grant that got recorded.
func (s *BashPermissionSet) Grant(permission string) bool {
	trimmed := strings.TrimSpace(permission)
	if !strings.HasPrefix(trimmed, bashGrantPrefix) || !strings.HasSuffix(trimmed, ")") {
		return false
	}

	inner := strings.TrimSpace(trimmed[len(bashGrantPrefix) : len(trimmed)-1])
	if inner == "" {
		return false
	}

	if cmd, ok := strings.CutSuffix(inner, ":*"); ok {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			return false
		}
		s.prefixes[cmd] = struct{}{}
		return true
	}

	s.literals[inner] = struct{}{}
	return true
}

// Allows reports whether a shell command is covered by a recorded grant:
// an exact literal match, or a raw prefix match against any stored prefix.
// The prefix check is a plain string HasPrefix with no token boundary, so
// a "git log" prefix also covers "git logger". That looseness matches the
// recorded grant semantics and is kept as-is.
func (s *BashPermissionSet) Allows(command string) bool {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return false
	}

	if _, ok := s.literals[cmd]; ok {
		return true
	}
	for prefix := range s.prefixes {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

// Literals returns the literal grants in sorted order.
func (s *BashPermissionSet) Literals() []string {
	return sortedKeys(s.literals)
}

// Prefixes returns the prefix grants in sorted order.
func (s *BashPermissionSet) Prefixes() []string {
	return sortedKeys(s.prefixes)
}

// Len returns the total number of recorded grants.
func (s *BashPermissionSet) Len() int {
	return len(s.literals) + len(s.prefixes)
}

// Clear drops every grant.
func (s *BashPermissionSet) Clear() {
	s.literals = make(map[string]struct{})
	s.prefixes = make(map[string]struct{})
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
