package syncmap

import (
	"context"
	"fmt"

	"github.com/AleksandrSl/client/internal/action"
)

// Build appends a creation action for a brand new record and returns
// its live instance, loaded immediately from the creation fields. The
// creation entry is retained per field at admission time so an
// offline-capable record survives a restart before confirmation.
func (r *Registry) Build(ctx context.Context, plural, id string, fields map[string]any) (*SyncMap, error) {
	typ, ok := r.Type(plural)
	if !ok {
		return nil, fmt.Errorf("build: map type %q is not defined", plural)
	}

	verb := action.VerbCreated
	if typ.Remote {
		verb = action.VerbCreate
	}
	a := action.Action{Type: action.MapType(plural, verb), ID: id, Fields: fields}
	meta := &action.Meta{
		ID:      r.client.Log.GenerateID(),
		Indexes: action.Indexes(plural, id),
		Sync:    typ.Remote,
	}
	for _, key := range sortedKeys(fields) {
		meta.AddReason(plural + "/" + id + "/" + key)
	}

	// Track before the append: the confirmation may land as soon as the
	// creation is in the log, and responses for untracked IDs are not
	// remembered.
	var confirm <-chan error
	if typ.Remote {
		confirm = r.client.Tracker.Track(meta.ID)
	}
	if _, err := r.client.Log.Add(ctx, a, meta); err != nil {
		return nil, fmt.Errorf("build %s/%s: %w", plural, id, err)
	}
	return r.instantiateCreated(ctx, typ, id, &a, meta, confirm), nil
}

// Create appends a creation action without instantiating the record.
// For remote types the returned error is the server's verdict; local
// types resolve immediately.
func (r *Registry) Create(ctx context.Context, plural, id string, fields map[string]any) error {
	typ, ok := r.Type(plural)
	if !ok {
		return fmt.Errorf("create: map type %q is not defined", plural)
	}

	if typ.Remote {
		a := action.Action{Type: action.MapType(plural, action.VerbCreate), ID: id, Fields: fields}
		return r.syncAction(ctx, a, action.Indexes(plural, id))
	}

	a := action.Action{Type: action.MapType(plural, action.VerbCreated), ID: id, Fields: fields}
	meta := &action.Meta{Indexes: action.Indexes(plural, id)}
	for _, key := range sortedKeys(fields) {
		meta.AddReason(plural + "/" + id + "/" + key)
	}
	if _, err := r.client.Log.Add(ctx, a, meta); err != nil {
		return fmt.Errorf("create %s/%s: %w", plural, id, err)
	}
	return nil
}

// ChangeByID requests a field change on a record that need not be
// instantiated. For remote types the change is sent for confirmation
// and the returned error is the server's verdict; a live instance
// applies the change optimistically and self-heals on rejection, so a
// caller seeing an error here still observes a consistent record.
func (r *Registry) ChangeByID(ctx context.Context, plural, id string, fields map[string]any) error {
	typ, ok := r.Type(plural)
	if !ok {
		return fmt.Errorf("change: map type %q is not defined", plural)
	}

	if typ.Remote {
		a := action.Action{Type: action.MapType(plural, action.VerbChange), ID: id, Fields: fields}
		return r.syncAction(ctx, a, action.Indexes(plural, id))
	}

	a := action.Action{Type: action.MapType(plural, action.VerbChanged), ID: id, Fields: fields}
	meta := &action.Meta{Indexes: action.Indexes(plural, id)}
	// A changed action is already a confirmed fact; retain it per field
	// even without a live instance so replay sees it. A newer confirmed
	// write on the field prunes it later.
	for _, key := range sortedKeys(fields) {
		meta.AddReason(plural + "/" + id + "/" + key)
	}
	if _, err := r.client.Log.Add(ctx, a, meta); err != nil {
		return fmt.Errorf("change %s/%s: %w", plural, id, err)
	}
	return nil
}

// Change applies the fields optimistically for immediate visibility and
// then requests the change through the log.
func (m *SyncMap) Change(ctx context.Context, fields map[string]any) error {
	m.applyIfNewer(fields, nil)
	return m.registry.ChangeByID(ctx, m.typ.Plural, m.id, fields)
}

// DeleteByID requests deletion of a record. For remote types the
// returned error is the server's verdict.
func (r *Registry) DeleteByID(ctx context.Context, plural, id string) error {
	typ, ok := r.Type(plural)
	if !ok {
		return fmt.Errorf("delete: map type %q is not defined", plural)
	}

	if typ.Remote {
		a := action.Action{Type: action.MapType(plural, action.VerbDelete), ID: id}
		return r.syncAction(ctx, a, action.Indexes(plural, id))
	}

	a := action.Action{Type: action.MapType(plural, action.VerbDeleted), ID: id}
	if _, err := r.client.Log.Add(ctx, a, &action.Meta{Indexes: action.Indexes(plural, id)}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", plural, id, err)
	}
	return nil
}

// Delete requests deletion of this record.
func (m *SyncMap) Delete(ctx context.Context) error {
	return m.registry.DeleteByID(ctx, m.typ.Plural, m.id)
}

// syncAction appends an action bound for the server and waits for its
// confirmation. There is no timeout: ctx is the only way out of a
// confirmation that never arrives.
func (r *Registry) syncAction(ctx context.Context, a action.Action, indexes []string) error {
	id := r.client.Log.GenerateID()
	ch := r.client.Tracker.Track(id)
	meta := &action.Meta{ID: id, Indexes: indexes, Sync: true}
	if _, err := r.client.Log.Add(ctx, a, meta); err != nil {
		return fmt.Errorf("sync %q: %w", a.Type, err)
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
