package csn

import (
	"fmt"
	"sort"
	"sync"
)

// ServerState records, per replica, the newest CSN known to be applied
// locally. It is the vector used to tell whether a change has already been
// seen and what a peer is missing.
type ServerState struct {
	mu    sync.RWMutex
	csns  map[uint32]CSN
	dirty bool
}

// NewServerState creates an empty state.
func NewServerState() *ServerState {
	return &ServerState{csns: make(map[uint32]CSN)}
}

// Update records c if it is newer than what is known for its replica.
// Returns true when the state changed.
func (s *ServerState) Update(c CSN) bool {
	if c.IsZero() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.csns[c.ReplicaID]; ok && !c.Newer(cur) {
		return false
	}
	s.csns[c.ReplicaID] = c
	s.dirty = true
	return true
}

// Cover reports whether c is older than or equal to the newest CSN known for
// its replica.
func (s *ServerState) Cover(c CSN) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.csns[c.ReplicaID]
	return ok && cur.NewerOrEqual(c)
}

// Get returns the newest CSN known for replicaID, or the zero CSN.
func (s *ServerState) Get(replicaID uint32) CSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.csns[replicaID]
}

// Snapshot returns a copy of the per-replica CSNs.
func (s *ServerState) Snapshot() map[uint32]CSN {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint32]CSN, len(s.csns))
	for id, c := range s.csns {
		out[id] = c
	}
	return out
}

// Merge folds every CSN of other into s.
func (s *ServerState) Merge(other map[uint32]CSN) bool {
	changed := false
	for _, c := range other {
		if s.Update(c) {
			changed = true
		}
	}
	return changed
}

// TakeDirty reports whether the state changed since the previous call and
// clears the flag.
func (s *ServerState) TakeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.dirty
	s.dirty = false
	return d
}

// MarkDirty forces the next TakeDirty to return true, used when a flush of
// a taken snapshot failed.
func (s *ServerState) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Encode returns the CSNs as sorted strings, one per replica.
func (s *ServerState) Encode() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.csns))
	for _, c := range s.csns {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}

// DecodeServerState rebuilds a state from the output of Encode.
func DecodeServerState(values []string) (*ServerState, error) {
	s := NewServerState()
	for _, v := range values {
		c, err := Parse(v)
		if err != nil {
			return nil, fmt.Errorf("decode server state: %w", err)
		}
		s.Update(c)
	}
	s.dirty = false
	return s, nil
}
