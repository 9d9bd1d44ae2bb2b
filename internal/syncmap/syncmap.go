package syncmap

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
	"github.com/AleksandrSl/client/internal/track"
)

// LoadState is the lifecycle state of a SyncMap.
type LoadState int

const (
	// StateLoading means the record is still resolving its initial
	// state from the server subscription or the offline replay.
	StateLoading LoadState = iota

	// StateLoaded means the record holds usable field state.
	StateLoaded

	// StateFailed is terminal: neither the subscription nor the
	// offline replay found the record.
	StateFailed

	// StateDestroyed means the last reference was released.
	StateDestroyed
)

func (s LoadState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// FieldObserver is notified after a field's visible value changes.
// A nil value means the field was unset during rollback.
type FieldObserver func(key string, value any)

// SyncMap is one synchronized record: a field map kept consistent with
// the action log through per-field last-writer-wins merging.
//
// All mutations flow through the merge engine: incoming actions apply a
// field only when causally newer than the meta recorded for it, so
// delivery order never changes the converged state. Optimistic local
// writes apply unconditionally and are reverted through the log's
// history if the server rejects them.
//
// Thread-safety: all exported methods are safe for concurrent use.
type SyncMap struct {
	registry *Registry
	typ      *MapType
	client   *Client
	id       string

	mu            sync.Mutex
	refs          int
	fields        map[string]any
	lastChanged   map[string]*action.Meta
	lastProcessed map[string]*action.Meta
	createdAt     *action.Meta
	state         LoadState
	loadErr       error
	loadDone      chan struct{}
	loadResolved  bool
	destroyed     bool
	observers     map[uint64]FieldObserver
	obsSeq        uint64
	unbinds       []oplog.Unbind
}

func newSyncMap(r *Registry, typ *MapType, id string) *SyncMap {
	return &SyncMap{
		registry:      r,
		typ:           typ,
		client:        r.client,
		id:            id,
		refs:          1,
		fields:        make(map[string]any),
		lastChanged:   make(map[string]*action.Meta),
		lastProcessed: make(map[string]*action.Meta),
		state:         StateLoading,
		loadDone:      make(chan struct{}),
		observers:     make(map[uint64]FieldObserver),
	}
}

// ID returns the record ID.
func (m *SyncMap) ID() string { return m.id }

// Plural returns the record type name.
func (m *SyncMap) Plural() string { return m.typ.Plural }

// State returns the current lifecycle state.
func (m *SyncMap) State() LoadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fields returns a snapshot of the current field values.
func (m *SyncMap) Fields() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		snapshot[k] = v
	}
	return snapshot
}

// Get returns one field value.
func (m *SyncMap) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.fields[key]
	return v, ok
}

// LastChanged returns the meta of the action that set the field's
// current value, or nil for unset fields and unconfirmed local edits.
func (m *SyncMap) LastChanged(key string) *action.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChanged[key]
}

// LastProcessed returns the meta of the newest action whose effect on
// the field is confirmed durable, or nil.
func (m *SyncMap) LastProcessed(key string) *action.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcessed[key]
}

// CreatedAt returns the creation meta for records created locally.
func (m *SyncMap) CreatedAt() *action.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createdAt
}

// Loading blocks until the record's initial load resolves. It returns
// nil once loaded, the typed load failure (an *track.UndoError with the
// notFound reason when nothing was found), or ctx's error.
func (m *SyncMap) Loading(ctx context.Context) error {
	select {
	case <-m.loadDone:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers an observer for field-level changes. The returned
// Unbind removes it.
func (m *SyncMap) Subscribe(fn FieldObserver) oplog.Unbind {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.obsSeq
	m.obsSeq++
	m.observers[seq] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, seq)
	}
}

// Release drops one reference. When the last reference goes, all log
// bindings are removed, a remote record unsubscribes (unless its load
// failed), and a record without offline capability releases every
// per-field retention reason, since it cannot be reconstructed and
// need not be.
func (m *SyncMap) Release(ctx context.Context) {
	m.mu.Lock()
	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.state = StateDestroyed
	failed := m.loadResolved && m.loadErr != nil
	keys := m.sortedChangedKeysLocked()
	unbinds := m.unbinds
	m.unbinds = nil
	m.mu.Unlock()

	for _, unbind := range unbinds {
		unbind()
	}
	if m.typ.Remote && !failed {
		if _, err := m.client.Log.Add(ctx, action.Unsubscribe(m.channel()), &action.Meta{Sync: true}); err != nil {
			slog.Warn("unsubscribe failed", "channel", m.channel(), "error", err)
		}
	}
	if !m.typ.Offline {
		for _, key := range keys {
			if err := m.client.Log.RemoveReason(ctx, m.reason(key), oplog.RemoveOptions{}); err != nil {
				slog.Warn("reason release failed", "reason", m.reason(key), "error", err)
			}
		}
	}
	m.registry.drop(m)
}

func (m *SyncMap) retain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
}

func (m *SyncMap) channel() string {
	return m.typ.Plural + "/" + m.id
}

func (m *SyncMap) reason(key string) string {
	return m.typ.Plural + "/" + m.id + "/" + key
}

// start binds the record's log handlers and runs the creation or load
// path. createAction is non-nil when the record is instantiated from a
// creation action already at hand.
func (m *SyncMap) start(ctx context.Context, createAction *action.Action, createMeta *action.Meta, alreadySubscribed bool, confirm <-chan error) {
	m.bind()

	if createAction != nil {
		m.startCreated(ctx, createAction, createMeta, alreadySubscribed, confirm)
		return
	}
	m.startLoad(ctx)
}

func (m *SyncMap) startCreated(ctx context.Context, a *action.Action, meta *action.Meta, alreadySubscribed bool, confirm <-chan error) {
	m.mu.Lock()
	for k, v := range a.Fields {
		m.fields[k] = v
		m.lastChanged[k] = meta
	}
	m.createdAt = meta
	m.resolveLoadLocked(nil)
	observers := m.observerListLocked()
	keys := sortedKeys(a.Fields)
	m.mu.Unlock()
	notifyFields(observers, keys, a.Fields)

	if confirm != nil {
		// The creation still needs server confirmation before its log
		// entries may be pruned.
		fields := a.Fields
		go func() {
			if err := <-confirm; err == nil {
				m.saveProcessAndClean(context.Background(), fields, meta)
			}
		}()
	}
	if m.typ.Remote && !alreadySubscribed {
		if _, err := m.client.Log.Add(ctx, action.Subscribe(m.channel(), true), &action.Meta{Sync: true}); err != nil {
			slog.Warn("subscribe failed", "channel", m.channel(), "error", err)
		}
	}
}

func (m *SyncMap) startLoad(ctx context.Context) {
	if m.typ.Remote {
		id := m.client.Log.GenerateID()
		ch := m.client.Tracker.Track(id)
		if _, err := m.client.Log.Add(ctx, action.Subscribe(m.channel(), false), &action.Meta{ID: id, Sync: true}); err != nil {
			m.resolveLoad(err)
			return
		}
		go func() {
			err := <-ch
			if errors.Is(err, track.ErrUnconfirmed) {
				// Client teardown; the load stays pending.
				return
			}
			m.resolveLoad(err)
		}()
	}

	if m.typ.Offline {
		found, err := m.replay(ctx)
		switch {
		case err != nil:
			m.resolveLoad(err)
		case found:
			m.resolveLoad(nil)
		case !m.typ.Remote:
			m.resolveLoad(&track.UndoError{
				ActionID: m.client.Log.GenerateID(),
				Reason:   track.ReasonNotFound,
			})
		}
		return
	}

	if !m.typ.Remote {
		// Neither remote nor offline: nothing can ever load this record.
		m.resolveLoad(&track.UndoError{
			ActionID: m.client.Log.GenerateID(),
			Reason:   track.ReasonNotFound,
		})
	}
}

// replay rebuilds field state from log entries indexed for this record,
// newest first. A delete entry halts the scan: the record does not
// exist. Reports whether any constructive entry was found.
func (m *SyncMap) replay(ctx context.Context) (bool, error) {
	found := false
	err := m.client.Log.Each(ctx, oplog.EachOptions{Index: m.channel()}, func(a action.Action, meta *action.Meta) (bool, error) {
		if a.ID != m.id {
			return true, nil
		}
		plural, verb, ok := action.SplitType(a.Type)
		if !ok || plural != m.typ.Plural {
			return true, nil
		}
		switch {
		case action.IsConstructive(verb):
			m.applyIfNewer(a.Fields, meta)
			found = true
		case action.IsDeletion(verb):
			found = false
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (m *SyncMap) resolveLoad(err error) {
	m.mu.Lock()
	m.resolveLoadLocked(err)
	m.mu.Unlock()
}

// resolveLoadLocked resolves the loading future exactly once; the
// subscription and the offline replay must not race to double-resolve.
func (m *SyncMap) resolveLoadLocked(err error) {
	if m.loadResolved {
		return
	}
	m.loadResolved = true
	m.loadErr = err
	if err == nil {
		m.state = StateLoaded
	} else {
		m.state = StateFailed
		slog.Debug("record load failed", "channel", m.channel(), "error", err)
	}
	close(m.loadDone)
}

// bind registers the record's handlers on the log dispatch table:
// admission (preadd) hooks tag indexes and retention reasons, commit
// (add) hooks apply state.
func (m *SyncMap) bind() {
	log := m.client.Log
	plural := m.typ.Plural

	createdType := action.MapType(plural, action.VerbCreated)
	changeType := action.MapType(plural, action.VerbChange)
	changedType := action.MapType(plural, action.VerbChanged)
	deleteType := action.MapType(plural, action.VerbDelete)
	deletedType := action.MapType(plural, action.VerbDeleted)

	setIndexes := func(a action.Action, meta *action.Meta) {
		meta.Indexes = action.Indexes(plural, a.ID)
	}

	m.unbinds = []oplog.Unbind{
		log.Type(changedType, m.id, oplog.PhasePreadd, setIndexes),
		log.Type(changeType, m.id, oplog.PhasePreadd, setIndexes),
		log.Type(deletedType, m.id, oplog.PhasePreadd, setIndexes),
		log.Type(deleteType, m.id, oplog.PhasePreadd, setIndexes),
		log.Type(createdType, m.id, oplog.PhasePreadd, m.reasonsForFields),
		log.Type(changedType, m.id, oplog.PhasePreadd, m.reasonsForFields),
		log.Type(changeType, m.id, oplog.PhasePreadd, m.reasonsForFields),
		log.Type(deletedType, m.id, oplog.PhaseAdd, m.handleDeleted),
		log.Type(deleteType, m.id, oplog.PhaseAdd, m.handleDelete),
		log.Type(createdType, m.id, oplog.PhaseAdd, m.setFields),
		log.Type(changedType, m.id, oplog.PhaseAdd, m.setFields),
		log.Type(changeType, m.id, oplog.PhaseAdd, m.handleChange),
	}
}

// applyIfNewer is the field merge engine: every field in fields is
// applied iff meta is causally newer than the meta recorded for that
// field. A nil meta applies unconditionally without advancing
// lastChanged; optimistic local edits use it for immediate visibility.
// Reapplying the same (field, meta) pair is idempotent, and applying a
// set of updates in any order converges to the same state.
func (m *SyncMap) applyIfNewer(fields map[string]any, meta *action.Meta) {
	m.mu.Lock()
	changed := m.applyLocked(fields, meta)
	observers := m.observerListLocked()
	values := make(map[string]any, len(changed))
	for _, k := range changed {
		values[k] = m.fields[k]
	}
	m.mu.Unlock()
	notifyFields(observers, changed, values)
}

func (m *SyncMap) applyLocked(fields map[string]any, meta *action.Meta) []string {
	var changed []string
	for k, v := range fields {
		if meta == nil || action.IsFirstOlder(m.lastChanged[k], meta) {
			m.fields[k] = v
			if meta != nil {
				m.lastChanged[k] = meta
			}
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// reasonsForFields is the admission-time half of the reason ledger: it
// tags the meta with a retention reason for every field the action may
// still be needed to reconstruct, so the store can decide retention
// before the write.
func (m *SyncMap) reasonsForFields(a action.Action, meta *action.Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range sortedKeys(a.Fields) {
		if action.IsFirstOlder(m.lastProcessed[key], meta) {
			meta.AddReason(m.reason(key))
		}
	}
}

// saveProcessAndClean is the settle half of the reason ledger: once an
// action's effect on its fields is confirmed durable, lastProcessed
// advances and every retained entry older than it is pruned.
func (m *SyncMap) saveProcessAndClean(ctx context.Context, fields map[string]any, meta *action.Meta) {
	for _, key := range sortedKeys(fields) {
		m.mu.Lock()
		if action.IsFirstOlder(m.lastProcessed[key], meta) {
			m.lastProcessed[key] = meta
		}
		bound := m.lastProcessed[key]
		m.mu.Unlock()

		err := m.client.Log.RemoveReason(ctx, m.reason(key), oplog.RemoveOptions{OlderThan: bound})
		if err != nil {
			slog.Warn("reason pruning failed", "reason", m.reason(key), "error", err)
		}
	}
}

// removeReasons drops every per-field retention reason of the record.
func (m *SyncMap) removeReasons(ctx context.Context) {
	m.mu.Lock()
	keys := m.sortedChangedKeysLocked()
	m.mu.Unlock()
	for _, key := range keys {
		if err := m.client.Log.RemoveReason(ctx, m.reason(key), oplog.RemoveOptions{}); err != nil {
			slog.Warn("reason release failed", "reason", m.reason(key), "error", err)
		}
	}
}

// setFields applies a confirmed fact (created/changed) and settles it.
func (m *SyncMap) setFields(a action.Action, meta *action.Meta) {
	m.applyIfNewer(a.Fields, meta)
	m.saveProcessAndClean(context.Background(), a.Fields, meta)
}

// handleChange applies an unconfirmed change optimistically and awaits
// the server's verdict: confirmation settles and, for offline-capable
// records, appends a changed fact so replay sees the outcome; rejection
// clears the action's own retention and rolls the fields back.
func (m *SyncMap) handleChange(a action.Action, meta *action.Meta) {
	m.applyIfNewer(a.Fields, meta)

	ch := m.client.Tracker.Track(meta.ID)
	go func() {
		err := <-ch
		ctx := context.Background()
		var undo *track.UndoError
		switch {
		case err == nil:
			if m.isDestroyed() {
				return
			}
			m.saveProcessAndClean(ctx, a.Fields, meta)
			if m.typ.Offline {
				changed := action.Action{
					Type:   action.MapType(m.typ.Plural, action.VerbChanged),
					ID:     m.id,
					Fields: a.Fields,
				}
				if _, err := m.client.Log.Add(ctx, changed, &action.Meta{Time: meta.Time}); err != nil {
					slog.Warn("changed fact append failed", "id", m.id, "error", err)
				}
			}
		case errors.As(err, &undo):
			if _, err := m.client.Log.ChangeMeta(ctx, meta.ID, nil); err != nil {
				slog.Warn("reason clear failed", "id", meta.ID, "error", err)
			}
			if m.isDestroyed() {
				return
			}
			if err := m.rollback(ctx, a.Fields, meta); err != nil {
				slog.Error("rollback failed", "id", m.id, "error", err)
			}
		default:
			// Never confirmed: the optimistic value stays in place.
		}
	}()
}

// handleDelete awaits the verdict on a delete intent. Field values are
// deliberately left readable until teardown.
func (m *SyncMap) handleDelete(a action.Action, meta *action.Meta) {
	ch := m.client.Tracker.Track(meta.ID)
	go func() {
		err := <-ch
		ctx := context.Background()
		switch {
		case err == nil:
			m.removeReasons(ctx)
		case errors.Is(err, track.ErrUnconfirmed):
			// Pending forever; retention stays until a verdict.
		default:
			// Rejected: nothing was mutated, only the delete's own
			// retention goes.
			if _, err := m.client.Log.ChangeMeta(ctx, meta.ID, nil); err != nil {
				slog.Warn("reason clear failed", "id", meta.ID, "error", err)
			}
		}
	}()
}

func (m *SyncMap) handleDeleted(a action.Action, meta *action.Meta) {
	m.removeReasons(context.Background())
}

// rollback reverts the fields of a rejected change to their nearest
// earlier value in the log. The backward scan relies on log order
// approximating causal order for a single record, which holds because
// all surviving entries for one record share the same index chain.
// Fields with no earlier entry are unset. A delete entry halts the
// scan: the record was deleted and there is nothing older to restore.
func (m *SyncMap) rollback(ctx context.Context, fields map[string]any, rejected *action.Meta) error {
	reverting := mapset.NewThreadUnsafeSet[string]()
	for k := range fields {
		reverting.Add(k)
	}

	err := m.client.Log.Each(ctx, oplog.EachOptions{Index: m.channel()}, func(a action.Action, meta *action.Meta) (bool, error) {
		if a.ID != m.id || meta.ID == rejected.ID {
			return true, nil
		}
		plural, verb, ok := action.SplitType(a.Type)
		if !ok || plural != m.typ.Plural {
			return true, nil
		}
		switch {
		case action.IsConstructive(verb):
			touches := false
			for k := range a.Fields {
				if reverting.Contains(k) {
					touches = true
					break
				}
			}
			if !touches {
				return true, nil
			}
			revertDiff := make(map[string]any)
			m.mu.Lock()
			for k, v := range a.Fields {
				if reverting.Contains(k) {
					// Forget the rejected write so the older value is
					// admitted again.
					delete(m.lastChanged, k)
					reverting.Remove(k)
					revertDiff[k] = v
				}
			}
			changed := m.applyLocked(revertDiff, meta)
			observers := m.observerListLocked()
			values := make(map[string]any, len(changed))
			for _, k := range changed {
				values[k] = m.fields[k]
			}
			m.mu.Unlock()
			notifyFields(observers, changed, values)
			return !reverting.IsEmpty(), nil
		case action.IsDeletion(verb):
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	// Fields with no earlier history go back to unset.
	remaining := reverting.ToSlice()
	sort.Strings(remaining)
	m.mu.Lock()
	var unset []string
	for _, k := range remaining {
		if _, ok := m.fields[k]; ok {
			delete(m.fields, k)
			delete(m.lastChanged, k)
			unset = append(unset, k)
		}
	}
	observers := m.observerListLocked()
	m.mu.Unlock()
	notifyFields(observers, unset, map[string]any{})
	return nil
}

func (m *SyncMap) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func (m *SyncMap) observerListLocked() []FieldObserver {
	if len(m.observers) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(m.observers))
	for seq := range m.observers {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	observers := make([]FieldObserver, 0, len(seqs))
	for _, seq := range seqs {
		observers = append(observers, m.observers[seq])
	}
	return observers
}

func (m *SyncMap) sortedChangedKeysLocked() []string {
	keys := make([]string, 0, len(m.lastChanged))
	for k := range m.lastChanged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func notifyFields(observers []FieldObserver, keys []string, values map[string]any) {
	if len(observers) == 0 || len(keys) == 0 {
		return
	}
	for _, key := range keys {
		for _, fn := range observers {
			fn(key, values[key])
		}
	}
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
