package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/orchestrator"
)

// TaskStatus mirrors the run status vocabulary projected across the wire.
type TaskStatus string

const (
	TaskReceived  TaskStatus = "received"
	TaskValidated TaskStatus = "validated"
	TaskAccepted  TaskStatus = "accepted"
	TaskRejected  TaskStatus = "rejected"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task admits no further status changes.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskRejected, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is one inbound or outbound unit of delegated work. An accepted
// inbound task maps 1:1 to a workflow run; a rejected one ends the
// exchange with its reason code and never creates a run.
type Task struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Capability    string          `json:"capability"`
	Version       string          `json:"version,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	Status        TaskStatus      `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	RunID         string          `json:"-"`
	Result        map[string]any  `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// projectRunStatus maps a run snapshot onto the task vocabulary. Blocked
// runs stay "running" on the wire: the suspension is an internal affair.
func projectRunStatus(snap orchestrator.Snapshot) TaskStatus {
	switch snap.Status {
	case orchestrator.StatePending:
		return TaskAccepted
	case orchestrator.StateRunning, orchestrator.StateBlocked:
		return TaskRunning
	case orchestrator.StateCompleted:
		return TaskCompleted
	case orchestrator.StateFailed:
		return TaskFailed
	case orchestrator.StateCancelled:
		return TaskCancelled
	}
	return TaskAccepted
}

// TaskStore persists federation tasks.
type TaskStore interface {
	Save(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)
}

// MemoryTaskStore keeps tasks in memory.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

// NewMemoryTaskStore returns an in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

// Save inserts or replaces a task.
func (s *MemoryTaskStore) Save(_ context.Context, task Task) error {
	if task.ID == "" {
		return errors.New(errors.CodeValidation, "task requires an id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// Get returns the task by id.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, errors.New(errors.CodeNotFound,
			fmt.Sprintf("task %s not found", id), nil)
	}
	return task, nil
}

// List returns all tasks ordered by creation time.
func (s *MemoryTaskStore) List(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func encodeTaskJSON(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeTaskJSON(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
