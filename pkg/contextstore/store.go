// Package contextstore holds versioned workflow artifacts shared between
// pipeline stages. Writes to one key are totally ordered by revision through
// optimistic concurrency; readers always observe a committed revision.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// Artifact is one committed revision of a piece of shared state.
type Artifact struct {
	Key       string          `json:"key"`
	Revision  int64           `json:"revision"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the shared context contract. Write rejects stale expected
// revisions with CodeConflict; the caller must re-read and retry its whole
// stage logic, not just the write.
type Store interface {
	// Write commits a new revision for key. expectedRevision must equal the
	// current revision (0 for a key that does not exist yet); a successful
	// write with expectedRevision r yields r+1.
	Write(ctx context.Context, key string, expectedRevision int64, payload json.RawMessage) (int64, error)

	// Read returns the latest committed payload and revision for key.
	Read(ctx context.Context, key string) (json.RawMessage, int64, error)

	// ListPartition returns all artifacts under a partition prefix, ordered
	// by key.
	ListPartition(ctx context.Context, partition string) ([]Artifact, error)

	// SweepClass removes every partition of the given class whose newest
	// write is older than cutoff. Younger partitions keep their revision
	// order untouched. Returns the number of keys removed.
	SweepClass(ctx context.Context, class string, cutoff time.Time) (int, error)
}

// Partition returns the logical partition of a key: everything before the
// final path segment.
func Partition(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}

// Class returns the partition class of a key: its first path segment.
// Retention windows are configured per class.
func Class(key string) string {
	idx := strings.Index(key, "/")
	if idx < 0 {
		return key
	}
	return key[:idx]
}

// ValidateKey rejects keys that are empty or carry empty path segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" {
			return fmt.Errorf("key %q has an empty path segment", key)
		}
	}
	return nil
}

type memoryEntry struct {
	revision  int64
	payload   json.RawMessage
	updatedAt time.Time
}

// InMemory is an in-process context store used in tests and single-node runs.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewInMemory creates an empty in-memory context store.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Write implements Store.
func (s *InMemory) Write(_ context.Context, key string, expectedRevision int64, payload json.RawMessage) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, errors.New(errors.CodeValidation, "invalid artifact key", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[key].revision
	if current != expectedRevision {
		return 0, conflict(key, expectedRevision, current)
	}

	next := current + 1
	s.entries[key] = memoryEntry{
		revision:  next,
		payload:   append(json.RawMessage(nil), payload...),
		updatedAt: s.now().UTC(),
	}
	return next, nil
}

// Read implements Store.
func (s *InMemory) Read(_ context.Context, key string) (json.RawMessage, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, 0, notFound(key)
	}
	return append(json.RawMessage(nil), entry.payload...), entry.revision, nil
}

// ListPartition implements Store.
func (s *InMemory) ListPartition(_ context.Context, partition string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := partition + "/"
	var out []Artifact
	for key, entry := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, Artifact{
			Key:       key,
			Revision:  entry.revision,
			Payload:   append(json.RawMessage(nil), entry.payload...),
			UpdatedAt: entry.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SweepClass implements Store.
func (s *InMemory) SweepClass(_ context.Context, class string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A partition is removable only when its newest write predates the
	// cutoff; one fresh key keeps the whole partition.
	newest := make(map[string]time.Time)
	for key, entry := range s.entries {
		if Class(key) != class {
			continue
		}
		partition := Partition(key)
		if entry.updatedAt.After(newest[partition]) {
			newest[partition] = entry.updatedAt
		}
	}

	removed := 0
	for key := range s.entries {
		if Class(key) != class {
			continue
		}
		if newest[Partition(key)].Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func conflict(key string, expected, current int64) error {
	return errors.New(errors.CodeConflict,
		fmt.Sprintf("stale revision for %s", key), nil).
		WithContext("key", key).
		WithContext("expected_revision", expected).
		WithContext("current_revision", current)
}

func notFound(key string) error {
	return errors.New(errors.CodeNotFound,
		fmt.Sprintf("artifact %s not found", key), nil).
		WithContext("key", key)
}
