package oplog

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/AleksandrSl/client/internal/action"
)

type memEntry struct {
	a    action.Action
	meta *action.Meta
}

// MemoryStore keeps the log in process memory. It is the reference
// Store implementation: tests and short-lived tools use it directly,
// and the persistent stores must match its observable behavior.
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	added    uint64
	entries  []*memEntry // ascending by meta.Added
	byID     map[action.ID]*memEntry
	byIndex  map[string]mapset.Set[action.ID]
	byReason map[string]mapset.Set[action.ID]
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[action.ID]*memEntry),
		byIndex:  make(map[string]mapset.Set[action.ID]),
		byReason: make(map[string]mapset.Set[action.ID]),
	}
}

// Add appends an entry, assigning meta.Added.
func (s *MemoryStore) Add(ctx context.Context, a action.Action, meta *action.Meta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[meta.ID]; exists {
		return false, nil
	}

	s.added++
	meta.Added = s.added
	e := &memEntry{a: a, meta: meta.Clone()}
	s.entries = append(s.entries, e)
	s.byID[meta.ID] = e

	for _, idx := range meta.Indexes {
		s.tagSet(s.byIndex, idx).Add(meta.ID)
	}
	for _, reason := range meta.Reasons {
		s.tagSet(s.byReason, reason).Add(meta.ID)
	}
	return true, nil
}

// ByID returns a copy of the entry with the given ID, or nil.
func (s *MemoryStore) ByID(ctx context.Context, id action.ID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return &Entry{Action: e.a, Meta: e.meta.Clone()}, nil
}

// Remove deletes the entry with the given ID and returns it, or nil.
func (s *MemoryStore) Remove(ctx context.Context, id action.ID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id), nil
}

// Each iterates entries newest first, honoring opts.Index.
func (s *MemoryStore) Each(ctx context.Context, opts EachOptions, visit Visit) error {
	s.mu.Lock()
	snapshot := make([]*memEntry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := snapshot[i]
		if opts.Index != "" && !e.meta.HasIndex(opts.Index) {
			continue
		}
		cont, err := visit(e.a, e.meta.Clone())
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// SetReasons replaces an entry's reasons with a non-empty list.
func (s *MemoryStore) SetReasons(ctx context.Context, id action.ID, reasons []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	for _, old := range e.meta.Reasons {
		s.untag(s.byReason, old, id)
	}
	e.meta.Reasons = append([]string(nil), reasons...)
	for _, reason := range reasons {
		s.tagSet(s.byReason, reason).Add(id)
	}
	return true, nil
}

// RemoveReason drops one reason from every matching entry. Entries left
// without reasons are removed and reported through cleaned.
func (s *MemoryStore) RemoveReason(ctx context.Context, reason string, opts RemoveOptions, cleaned func(Entry)) error {
	s.mu.Lock()

	tagged, ok := s.byReason[reason]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	var dropped []Entry
	// Walk the ordered entry list so removal order is deterministic.
	for _, e := range append([]*memEntry(nil), s.entries...) {
		if !tagged.Contains(e.meta.ID) {
			continue
		}
		if opts.OlderThan != nil && !action.IsFirstOlder(e.meta, opts.OlderThan) {
			continue
		}
		var remaining []string
		for _, r := range e.meta.Reasons {
			if r != reason {
				remaining = append(remaining, r)
			}
		}
		e.meta.Reasons = remaining
		tagged.Remove(e.meta.ID)
		if len(remaining) == 0 {
			if removed := s.removeLocked(e.meta.ID); removed != nil {
				dropped = append(dropped, *removed)
			}
		}
	}
	if tagged.Cardinality() == 0 {
		delete(s.byReason, reason)
	}
	s.mu.Unlock()

	if cleaned != nil {
		for _, e := range dropped {
			cleaned(e)
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) removeLocked(id action.ID) *Entry {
	e, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	for i, candidate := range s.entries {
		if candidate == e {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			break
		}
	}
	for _, idx := range e.meta.Indexes {
		s.untag(s.byIndex, idx, id)
	}
	for _, reason := range e.meta.Reasons {
		s.untag(s.byReason, reason, id)
	}
	return &Entry{Action: e.a, Meta: e.meta.Clone()}
}

func (s *MemoryStore) tagSet(m map[string]mapset.Set[action.ID], tag string) mapset.Set[action.ID] {
	set, ok := m[tag]
	if !ok {
		set = mapset.NewThreadUnsafeSet[action.ID]()
		m[tag] = set
	}
	return set
}

func (s *MemoryStore) untag(m map[string]mapset.Set[action.ID], tag string, id action.ID) {
	if set, ok := m[tag]; ok {
		set.Remove(id)
		if set.Cardinality() == 0 {
			delete(m, tag)
		}
	}
}
