package runtime

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/sekisho/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBridge_AnswersPermissionControl(t *testing.T) {
	setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Permission: config.PermissionConfig{
			DefaultMode: "bypassPermissions",
		},
	}

	components, err := NewRuntimeComponents(ctx, cfg, "test-workspace-"+t.Name())
	require.NoError(t, err)
	defer components.Stop()

	in := strings.NewReader(
		`{"type":"system","subtype":"init","session_id":"s1"}` + "\n" +
			`not-a-frame` + "\n" +
			`{"type":"control_request","request_id":"req-1","session_id":"s1","request":{"subtype":"can_use_tool","tool_name":"Bash","tool_use_id":"tc-1","input":{"command":"ls"}}}` + "\n")
	out := &syncBuffer{}

	bridge := NewBridge(components, in, out)
	require.NoError(t, bridge.Run())

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"request_id":"req-1"`)
	}, 2*time.Second, 10*time.Millisecond, "no control response written")

	assert.Contains(t, out.String(), `"behavior":"allow"`)
	assert.Contains(t, out.String(), `"subtype":"success"`)
}

func TestBridge_QueuedInputFlowsToAgent(t *testing.T) {
	setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080},
	}

	components, err := NewRuntimeComponents(ctx, cfg, "test-workspace-"+t.Name())
	require.NoError(t, err)
	defer components.Stop()

	pipe := newBlockingReader()
	out := &syncBuffer{}
	bridge := NewBridge(components, pipe, out)

	done := make(chan error, 1)
	go func() { done <- bridge.Run() }()

	// Attach a session, then queue input for it.
	pipe.WriteLine(`{"type":"system","subtype":"init","session_id":"s2"}`)

	require.Eventually(t, func() bool {
		sess, ok := components.Orchestrator.Sessions().Peek("s2")
		if !ok {
			return false
		}
		_, err := sess.Queue.Push("hello agent", sess.Engine.Mode())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "session never attached")

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "hello agent")
	}, 2*time.Second, 10*time.Millisecond, "queued input never reached the agent")

	assert.Contains(t, out.String(), `"type":"user"`)
	// The first queued item announces its mode before the text.
	assert.Contains(t, out.String(), `"subtype":"set_permission_mode"`)

	pipe.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on stream close")
	}
}

func TestUserEnvelopeFraming(t *testing.T) {
	setupTestEnv(t)
	ctx := context.Background()
	cfg := &config.Config{Server: config.ServerConfig{Port: 8080}}

	components, err := NewRuntimeComponents(ctx, cfg, "test-workspace-"+t.Name())
	require.NoError(t, err)
	defer components.Stop()

	sess, err := components.Orchestrator.Sessions().Get(ctx, "s3")
	require.NoError(t, err)

	id, err := sess.Queue.Push("run the tests", sess.Engine.Mode())
	require.NoError(t, err)

	item, ok := sess.Queue.TryNext()
	require.True(t, ok)
	require.Equal(t, id, item.ID)

	env, err := userEnvelope("s3", item)
	require.NoError(t, err)
	assert.Equal(t, "s3", env.SessionID)
	assert.Contains(t, string(env.Message), "run the tests")
	assert.Contains(t, string(env.Message), `"role":"user"`)
}

// blockingReader feeds lines to a scanner without closing between writes,
// mimicking a live pipe.
type blockingReader struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	wake   chan struct{}
}

func newBlockingReader() *blockingReader {
	return &blockingReader{wake: make(chan struct{}, 1)}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	for {
		r.mu.Lock()
		if r.buf.Len() > 0 {
			n, err := r.buf.Read(p)
			r.mu.Unlock()
			return n, err
		}
		if r.closed {
			r.mu.Unlock()
			return 0, io.EOF
		}
		r.mu.Unlock()
		<-r.wake
	}
}

func (r *blockingReader) WriteLine(line string) {
	r.mu.Lock()
	r.buf.WriteString(line + "\n")
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *blockingReader) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
