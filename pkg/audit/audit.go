// Package audit records every orchestration decision and skill invocation
// as an append-only, per-run ordered trail. Entries are never updated or
// deleted; reading a run's trail back from seq 1 reconstructs its history.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// EntryType classifies what an audit entry records.
type EntryType string

const (
	// TypeTransition records a workflow state change.
	TypeTransition EntryType = "transition"
	// TypeStageAttempt records one attempt of a stage's skill invocation.
	TypeStageAttempt EntryType = "stage_attempt"
	// TypeDecision records a governance or operator decision.
	TypeDecision EntryType = "decision"
	// TypeDelegation records an outbound federation delegation.
	TypeDelegation EntryType = "delegation"
)

// Entry is one immutable record in a run's trail. Seq is assigned by the
// store on append and is strictly increasing within a run.
type Entry struct {
	RunID        string         `json:"run_id"`
	Seq          int64          `json:"seq"`
	Type         EntryType      `json:"type"`
	Stage        string         `json:"stage,omitempty"`
	InvocationID string         `json:"invocation_id,omitempty"`
	FromState    string         `json:"from_state,omitempty"`
	ToState      string         `json:"to_state,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	Error        string         `json:"error,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// Store persists audit entries. Append assigns and returns the entry's
// sequence number; Read returns a run's entries ordered by seq.
type Store interface {
	Append(ctx context.Context, entry Entry) (int64, error)
	Read(ctx context.Context, runID string) ([]Entry, error)
}

// MemoryStore keeps audit trails in memory.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string][]Entry
	now  func() time.Time
}

// NewMemoryStore returns an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string][]Entry),
		now:  time.Now,
	}
}

// Append adds an entry to the run's trail and returns its seq.
func (s *MemoryStore) Append(_ context.Context, entry Entry) (int64, error) {
	if entry.RunID == "" {
		return 0, errors.New(errors.CodeValidation, "audit entry requires a run id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trail := s.runs[entry.RunID]
	entry.Seq = int64(len(trail)) + 1
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.now().UTC()
	}
	s.runs[entry.RunID] = append(trail, entry)
	return entry.Seq, nil
}

// Read returns the run's entries in seq order. An unknown run yields an
// empty trail, not an error: a run with no history simply has no entries.
func (s *MemoryStore) Read(_ context.Context, runID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trail := s.runs[runID]
	out := make([]Entry, len(trail))
	copy(out, trail)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func encodeDetail(detail map[string]any) (string, error) {
	if detail == nil {
		return "", nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeDetail(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
