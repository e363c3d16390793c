package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDecision_IDAliases(t *testing.T) {
	for _, key := range []string{"id", "toolCallId", "tool_call_id"} {
		d, err := NormalizeDecision(map[string]any{key: "tc_1", "approved": true})
		require.NoError(t, err, "alias %s", key)
		assert.Equal(t, "tc_1", d.ToolCallID)
		assert.True(t, d.Approved)
	}

	_, err := NormalizeDecision(map[string]any{"approved": true})
	assert.Error(t, err, "missing id must fail")

	_, err = NormalizeDecision(nil)
	assert.Error(t, err, "nil payload must fail")
}

func TestNormalizeDecision_TolerantBooleans(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  bool
	}{
		{"bool true", true, true},
		{"bool false", false, false},
		{"string true", "true", true},
		{"string false", "false", false},
		{"float 1", float64(1), true},
		{"float 0", float64(0), false},
		{"int 1", 1, true},
		{"unparseable string", "yes please", false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := NormalizeDecision(map[string]any{
				"id":               "tc_1",
				"clearContext":     tc.value,
				"autoApproveEdits": tc.value,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.ClearContext, "clearContext")
			assert.Equal(t, tc.want, d.AutoApproveEdits, "autoApproveEdits")
		})
	}

	// Snake-case spellings decode the same way.
	d, err := NormalizeDecision(map[string]any{
		"id":                 "tc_1",
		"clear_context":      "true",
		"auto_approve_edits": 1,
	})
	require.NoError(t, err)
	assert.True(t, d.ClearContext)
	assert.True(t, d.AutoApproveEdits)
}

func TestNormalizeDecision_Mode(t *testing.T) {
	d, err := NormalizeDecision(map[string]any{"id": "tc_1", "mode": "acceptEdits"})
	require.NoError(t, err)
	assert.Equal(t, ModeAcceptEdits, d.Mode)

	// Unknown modes are dropped rather than failing the decision.
	d, err = NormalizeDecision(map[string]any{"id": "tc_1", "mode": "yolo"})
	require.NoError(t, err)
	assert.Equal(t, Mode(""), d.Mode)
}

func TestNormalizeDecision_AllowTools(t *testing.T) {
	d, err := NormalizeDecision(map[string]any{
		"id":         "tc_1",
		"allowTools": []any{"Bash(git log:*)", "WebFetch"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash(git log:*)", "WebFetch"}, d.AllowTools)

	// A single string is tolerated, as is the snake-case key.
	d, err = NormalizeDecision(map[string]any{"id": "tc_1", "allow_tools": "Bash(ls)"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash(ls)"}, d.AllowTools)
}

func TestNormalizeDecision_Answers(t *testing.T) {
	// Nested {answers: [...]} wrappers flatten to plain string slices.
	d, err := NormalizeDecision(map[string]any{
		"id": "tc_1",
		"answers": map[string]any{
			"q1": map[string]any{"answers": []any{"a", "b"}},
			"q2": []any{"c"},
			"q3": "d",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.Answers["q1"])
	assert.Equal(t, []string{"c"}, d.Answers["q2"])
	assert.Equal(t, []string{"d"}, d.Answers["q3"])

	// Empty or absent answers normalize to nil.
	d, err = NormalizeDecision(map[string]any{"id": "tc_1", "answers": map[string]any{}})
	require.NoError(t, err)
	assert.Nil(t, d.Answers)

	d, err = NormalizeDecision(map[string]any{"id": "tc_1"})
	require.NoError(t, err)
	assert.Nil(t, d.Answers)
}

func TestNormalizeDecision_RawPreserved(t *testing.T) {
	payload := map[string]any{"id": "tc_1", "approved": true, "custom": "field"}
	d, err := NormalizeDecision(payload)
	require.NoError(t, err)
	assert.Equal(t, "field", d.Raw["custom"])
}
