package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleksandrSl/client/internal/action"
)

// Phase names the two well-defined points where action hooks run.
type Phase int

const (
	// PhasePreadd runs before the entry is stored. Handlers may tag
	// retention reasons and index tags onto the meta; the store sees
	// the tags it needs for retention decisions before the write.
	PhasePreadd Phase = iota

	// PhaseAdd runs after the entry is stored (or, for entries with no
	// reasons, after the action is dispatched without storage).
	// Handlers apply state here.
	PhaseAdd
)

// Event names the log-level observer events.
type Event int

const (
	// EventAdd fires for every action entering the log.
	EventAdd Event = iota

	// EventClean fires when an entry loses its last reason and is
	// dropped, and for reason-less actions right after EventAdd.
	EventClean
)

// Handler processes one action at a dispatch phase. Preadd handlers may
// mutate the meta; add handlers must not.
type Handler func(a action.Action, meta *action.Meta)

// Unbind removes a registered handler or observer.
type Unbind func()

type handlerKey struct {
	typ string
	id  string // record ID filter; "" matches every record
}

type boundHandler struct {
	seq uint64
	fn  Handler
}

// Log is the append-only action log engine.
//
// It owns ID generation, the dispatch table for admission (preadd) and
// commit (add) hooks, and reason bookkeeping on top of a Store. Hooks
// are invoked synchronously in registration order, which keeps dispatch
// ordering deterministic without a dynamic event emitter.
//
// Handler registration and observer lists are protected by a lock, but
// handlers run outside it, so a handler may itself call back into the
// log (append, iterate, change meta) without deadlocking. State that
// handlers mutate must carry its own synchronization.
type Log struct {
	store Store
	gen   *action.Generator

	mu       sync.RWMutex
	nextSeq  uint64
	handlers map[Phase]map[handlerKey][]boundHandler
	adds     map[uint64]func(action.Action, *action.Meta)
	cleans   map[uint64]func(action.Action, *action.Meta)
}

// New creates a Log over the given store and ID generator.
func New(store Store, gen *action.Generator) *Log {
	return &Log{
		store: store,
		gen:   gen,
		handlers: map[Phase]map[handlerKey][]boundHandler{
			PhasePreadd: {},
			PhaseAdd:    {},
		},
		adds:   map[uint64]func(action.Action, *action.Meta){},
		cleans: map[uint64]func(action.Action, *action.Meta){},
	}
}

// Store returns the underlying store. Used by the CLI for direct
// inspection; engine code goes through Log methods.
func (l *Log) Store() Store {
	return l.store
}

// GenerateID returns a fresh, causally placed action ID.
func (l *Log) GenerateID() action.ID {
	return l.gen.ID()
}

// NodeID returns the local node ID.
func (l *Log) NodeID() string {
	return l.gen.Node()
}

// Add appends an action to the log.
//
// A nil meta is treated as empty. Missing ID and Time are filled from
// the ID generator. Preadd hooks run first and may tag reasons and
// indexes. An action that ends up with no reasons is dispatched to add
// hooks and observers but not stored; it exists only for the duration
// of the dispatch. Returns the final meta, or nil when an entry with
// the same ID was already in the log.
func (l *Log) Add(ctx context.Context, a action.Action, meta *action.Meta) (*action.Meta, error) {
	if meta == nil {
		meta = &action.Meta{}
	}
	if meta.ID == "" {
		meta.ID = l.gen.ID()
	}
	if meta.Time == 0 {
		t, _, _, ok := meta.ID.Parts()
		if !ok {
			return nil, fmt.Errorf("add %q: malformed action ID %q", a.Type, meta.ID)
		}
		meta.Time = t
	}

	l.dispatch(PhasePreadd, a, meta)

	if len(meta.Reasons) == 0 {
		slog.Debug("action dispatched without storage", "type", a.Type, "id", meta.ID)
		l.dispatch(PhaseAdd, a, meta)
		l.notify(EventAdd, a, meta)
		l.notify(EventClean, a, meta)
		return meta, nil
	}

	stored, err := l.store.Add(ctx, a, meta)
	if err != nil {
		return nil, fmt.Errorf("add %q: %w", a.Type, err)
	}
	if !stored {
		slog.Debug("duplicate action ignored", "type", a.Type, "id", meta.ID)
		return nil, nil
	}

	slog.Debug("action added", "type", a.Type, "id", meta.ID, "reasons", len(meta.Reasons))
	l.dispatch(PhaseAdd, a, meta)
	l.notify(EventAdd, a, meta)
	return meta, nil
}

// Each iterates log entries newest first. With opts.Index set, only
// entries tagged with that index are visited.
func (l *Log) Each(ctx context.Context, opts EachOptions, visit Visit) error {
	return l.store.Each(ctx, opts, visit)
}

// ByID returns the entry with the given ID, or nil when absent.
func (l *Log) ByID(ctx context.Context, id action.ID) (*Entry, error) {
	return l.store.ByID(ctx, id)
}

// RemoveReason drops a retention reason from every matching entry,
// optionally bounded to entries causally older than opts.OlderThan.
// Entries left without reasons are removed and reported as cleaned.
func (l *Log) RemoveReason(ctx context.Context, reason string, opts RemoveOptions) error {
	var cleaned []Entry
	err := l.store.RemoveReason(ctx, reason, opts, func(e Entry) {
		cleaned = append(cleaned, e)
	})
	if err != nil {
		return fmt.Errorf("remove reason %q: %w", reason, err)
	}
	for _, e := range cleaned {
		slog.Debug("entry cleaned", "type", e.Action.Type, "id", e.Meta.ID, "reason", reason)
		l.notify(EventClean, e.Action, e.Meta)
	}
	return nil
}

// ChangeMeta replaces an entry's retention reasons. An empty reasons
// list removes the entry entirely. Returns false when no entry with the
// given ID exists.
func (l *Log) ChangeMeta(ctx context.Context, id action.ID, reasons []string) (bool, error) {
	if len(reasons) > 0 {
		return l.store.SetReasons(ctx, id, reasons)
	}
	e, err := l.store.Remove(ctx, id)
	if err != nil {
		return false, fmt.Errorf("change meta %q: %w", id, err)
	}
	if e == nil {
		return false, nil
	}
	l.notify(EventClean, e.Action, e.Meta)
	return true, nil
}

// Type registers a handler for one action type at the given phase.
// A non-empty recordID restricts the handler to actions whose record ID
// matches. Handlers for the same (type, record) pair run in
// registration order. The returned Unbind removes the handler.
func (l *Log) Type(typ, recordID string, phase Phase, fn Handler) Unbind {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := handlerKey{typ: typ, id: recordID}
	seq := l.nextSeq
	l.nextSeq++
	l.handlers[phase][key] = append(l.handlers[phase][key], boundHandler{seq: seq, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		bound := l.handlers[phase][key]
		for i, h := range bound {
			if h.seq == seq {
				l.handlers[phase][key] = append(bound[:i:i], bound[i+1:]...)
				break
			}
		}
		if len(l.handlers[phase][key]) == 0 {
			delete(l.handlers[phase], key)
		}
	}
}

// On registers a log-level observer for add or clean events.
func (l *Log) On(event Event, fn func(a action.Action, meta *action.Meta)) Unbind {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	l.nextSeq++
	observers := l.adds
	if event == EventClean {
		observers = l.cleans
	}
	observers[seq] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(observers, seq)
	}
}

// dispatch invokes the handlers registered for the action's type at the
// given phase: first the record-scoped handlers, then the wildcard
// ones, each set ordered by registration.
func (l *Log) dispatch(phase Phase, a action.Action, meta *action.Meta) {
	l.mu.RLock()
	var bound []boundHandler
	if a.ID != "" {
		bound = append(bound, l.handlers[phase][handlerKey{typ: a.Type, id: a.ID}]...)
	}
	bound = append(bound, l.handlers[phase][handlerKey{typ: a.Type}]...)
	l.mu.RUnlock()

	sort.Slice(bound, func(i, j int) bool { return bound[i].seq < bound[j].seq })
	for _, h := range bound {
		h.fn(a, meta)
	}
}

func (l *Log) notify(event Event, a action.Action, meta *action.Meta) {
	l.mu.RLock()
	observers := l.adds
	if event == EventClean {
		observers = l.cleans
	}
	seqs := make([]uint64, 0, len(observers))
	for seq := range observers {
		seqs = append(seqs, seq)
	}
	fns := make([]func(action.Action, *action.Meta), 0, len(observers))
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		fns = append(fns, observers[seq])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(a, meta)
	}
}
