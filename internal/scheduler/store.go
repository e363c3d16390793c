package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

type LeaseStatus string

const (
	StatusIdle   LeaseStatus = "IDLE"
	StatusLeased LeaseStatus = "LEASED"
	StatusDone   LeaseStatus = "DONE"
	StatusFailed LeaseStatus = "FAILED"
)

type Lease struct {
	RunID     string      `json:"run_id"`
	Status    LeaseStatus `json:"status"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Task is a scheduled prompt. When it fires, Content is enqueued as agent
// input for SessionID.
type Task struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Schedule    string    `json:"schedule"` // cron expression or "@every 1h"
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	NextRun     time.Time `json:"next_run"`
	Lease       *Lease    `json:"lease,omitempty"`
}

type taskList struct {
	Tasks map[string]*Task `json:"tasks"`
}

// Store persists scheduled tasks and their run leases as a single JSON
// file. The lease keeps a crashed daemon from double-firing a task on
// restart.
type Store struct {
	path string
	data taskList
	mu   sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: taskList{Tasks: make(map[string]*Task)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	return json.Unmarshal(content, &s.data)
}

// save requires the caller to hold the lock.
func (s *Store) save() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

func (s *Store) Init(ctx context.Context) error {
	return s.load()
}

// Add validates the schedule, computes the first fire time, and persists
// the task. A missing ID gets a fresh ULID.
func (s *Store) Add(task *Task) error {
	if task.SessionID == "" {
		return fmt.Errorf("task has no session")
	}
	if task.Content == "" {
		return fmt.Errorf("task has no content")
	}

	schedule, err := cron.ParseStandard(task.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", task.Schedule, err)
	}

	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	task.NextRun = schedule.Next(time.Now())
	task.Lease = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Tasks[task.ID] = task
	return s.save()
}

func (s *Store) Remove(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Tasks[taskID]; !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	delete(s.data.Tasks, taskID)
	return s.save()
}

// List returns copies of every task, safe to read without holding the
// store lock.
func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.data.Tasks))
	for _, t := range s.data.Tasks {
		tasks = append(tasks, *t)
	}
	return tasks
}

// ShouldFire reports whether the task is due and advances its NextRun so
// one tick fires it at most once.
func (s *Store) ShouldFire(taskID, schedule string) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.Tasks[taskID]
	if !ok {
		return false, time.Time{}, fmt.Errorf("task %s not found", taskID)
	}

	if t.NextRun.After(time.Now()) {
		return false, t.NextRun, nil
	}

	cronSchedule, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("invalid cron schedule: %w", err)
	}

	nextRun := cronSchedule.Next(time.Now())
	t.NextRun = nextRun
	return true, nextRun, nil
}

func (s *Store) AcquireLease(taskID, runID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.Tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	if t.Lease != nil && t.Lease.Status == StatusLeased && time.Now().Before(t.Lease.ExpiresAt) {
		return fmt.Errorf("task %s already leased", taskID)
	}

	t.Lease = &Lease{
		RunID:     runID,
		Status:    StatusLeased,
		ExpiresAt: expiresAt,
	}
	return s.save()
}

func (s *Store) MarkTaskDone(taskID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.Tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	if t.Lease == nil || t.Lease.RunID != runID {
		return fmt.Errorf("lease mismatch for task %s", taskID)
	}

	t.Lease = nil
	cronSchedule, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	t.NextRun = cronSchedule.Next(time.Now())
	return s.save()
}

func (s *Store) GetLease(taskID string) (*Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return t.Lease, nil
}

func generateID() string {
	return ulid.Make().String()
}

func generateRunID() string {
	return ulid.Make().String()
}
