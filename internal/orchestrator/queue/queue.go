package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
	sekishoErrors "github.com/harunnryd/sekisho/internal/errors"
	"github.com/harunnryd/sekisho/internal/permission"

	"github.com/oklog/ulid/v2"
)

// Item is one message waiting to be fed to the agent. Mode is the
// permission mode the message should be processed under; Isolate marks
// the item as a standalone control message delivered without mode
// context (e.g. /clear ahead of a plan restart).
type Item struct {
	ID         string
	Text       string
	Mode       permission.Mode
	Isolate    bool
	EnqueuedAt time.Time
}

// Queue is the per-session agent input queue. Push appends user messages
// at the back and respects the capacity; Unshift inserts control messages
// at the front so they run before anything already queued, and is never
// rejected. The agent feeder drains it through Next.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	cap    int
	wake   chan struct{}
	closed bool
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = config.DefaultOrchestratorQueueSize
	}
	return &Queue{
		cap:  capacity,
		wake: make(chan struct{}, 1),
	}
}

// Push appends a message at the back. A full queue rejects the message;
// the caller surfaces the backpressure to whoever sent it.
func (q *Queue) Push(text string, mode permission.Mode) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", sekishoErrors.Internal("queue closed")
	}
	if len(q.items) >= q.cap {
		q.mu.Unlock()
		return "", sekishoErrors.Wrap(sekishoErrors.ErrQueueFull, "agent input queue at capacity")
	}

	item := newItem(text, mode, false)
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.notify()
	return item.ID, nil
}

// Unshift inserts a message at the front, ahead of everything already
// queued. Control messages bypass the capacity check: dropping a plan
// restart would strand the session.
func (q *Queue) Unshift(text string, mode permission.Mode) {
	q.unshift(newItem(text, mode, false))
}

// UnshiftIsolate inserts a standalone control message at the front. The
// item carries no mode context when delivered; the feeder sends it as a
// bare command isolated from the queued conversation.
func (q *Queue) UnshiftIsolate(text string, mode permission.Mode) {
	q.unshift(newItem(text, mode, true))
}

func (q *Queue) unshift(item *Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		slog.Warn("Dropping unshift on closed queue", "text", item.Text)
		return
	}
	q.items = append([]*Item{item}, q.items...)
	q.mu.Unlock()

	q.notify()
}

// Next blocks until an item is available or the context is cancelled,
// then removes and returns the front item.
func (q *Queue) Next(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, sekishoErrors.Internal("queue closed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// TryNext removes and returns the front item without blocking.
func (q *Queue) TryNext() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.items)
	q.items = nil
	return dropped
}

// Close marks the queue closed and wakes any blocked Next caller.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func newItem(text string, mode permission.Mode, isolate bool) *Item {
	return &Item{
		ID:         ulid.Make().String(),
		Text:       text,
		Mode:       mode,
		Isolate:    isolate,
		EnqueuedAt: time.Now(),
	}
}
