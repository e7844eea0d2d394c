// Package snapshot keeps bounded point-in-time copies of the workspace for
// disaster recovery, and archives them to object storage in the background.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/example/twodo-sync-engine/internal/document"
)

// DefaultRetain is the number of snapshots kept in memory per document.
const DefaultRetain = 5

// Snapshot is a full deep copy of the workspace tagged with the change
// counter at capture time.
type Snapshot struct {
	Counter   int
	At        time.Time
	Workspace *document.Workspace
}

// Meta describes a snapshot without its payload.
type Meta struct {
	Counter int       `json:"counter"`
	At      time.Time `json:"timestamp"`
}

// Store is a bounded FIFO of snapshots, oldest evicted first.
type Store struct {
	mu     sync.Mutex
	snaps  []Snapshot
	retain int
}

// NewStore constructs a store retaining up to retain snapshots.
func NewStore(retain int) *Store {
	if retain < 1 {
		retain = DefaultRetain
	}
	return &Store{retain: retain}
}

// Checkpoint deep-copies the workspace, tags it with the counter, and evicts
// the oldest snapshot past capacity.
func (s *Store) Checkpoint(counter int, ws *document.Workspace) Snapshot {
	snap := Snapshot{Counter: counter, At: time.Now().UTC(), Workspace: ws.Clone()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	if len(s.snaps) > s.retain {
		s.snaps = s.snaps[len(s.snaps)-s.retain:]
	}
	return snap
}

// Before returns the most recent snapshot whose captured counter is at most
// target. The returned workspace is an independent copy.
func (s *Store) Before(target int) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.snaps) - 1; i >= 0; i-- {
		if s.snaps[i].Counter <= target {
			snap := s.snaps[i]
			snap.Workspace = snap.Workspace.Clone()
			return snap, true
		}
	}
	return Snapshot{}, false
}

// Latest returns metadata for the newest snapshot.
func (s *Store) Latest() (Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.snaps) == 0 {
		return Meta{}, false
	}
	last := s.snaps[len(s.snaps)-1]
	return Meta{Counter: last.Counter, At: last.At}, true
}

// Len reports the number of retained snapshots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

// Counters lists the captured counters in order, oldest first.
func (s *Store) Counters() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, len(s.snaps))
	for i, snap := range s.snaps {
		out[i] = snap.Counter
	}
	return out
}

// All returns independent copies of every retained snapshot, oldest first.
func (s *Store) All() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, len(s.snaps))
	for i, snap := range s.snaps {
		snap.Workspace = snap.Workspace.Clone()
		out[i] = snap
	}
	return out
}

// Replace swaps the retained set, used when reloading a persisted buffer.
func (s *Store) Replace(snaps []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snaps = s.snaps[:0]
	for _, snap := range snaps {
		snap.Workspace = snap.Workspace.Clone()
		s.snaps = append(s.snaps, snap)
	}
	if len(s.snaps) > s.retain {
		s.snaps = s.snaps[len(s.snaps)-s.retain:]
	}
}

type snapshotWire struct {
	Counter   int                 `json:"counter"`
	At        time.Time           `json:"timestamp"`
	Workspace *document.Workspace `json:"workspace"`
}

// MarshalJSON serializes the snapshot for buffer persistence.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotWire{Counter: s.Counter, At: s.At, Workspace: s.Workspace})
}

// UnmarshalJSON restores a snapshot from its persisted form.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var wire snapshotWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	s.Counter = wire.Counter
	s.At = wire.At
	s.Workspace = wire.Workspace
	return nil
}
