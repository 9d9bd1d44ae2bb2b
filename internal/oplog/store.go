// Package oplog implements the append-only action log: a Store
// abstraction over the physical entry storage, and the Log engine that
// assigns IDs, dispatches admission and commit hooks, and drives
// reason-based retention.
package oplog

import (
	"context"

	"github.com/AleksandrSl/client/internal/action"
)

// Entry is one stored (action, meta) pair.
type Entry struct {
	Action action.Action
	Meta   *action.Meta
}

// EachOptions filters indexed iteration.
type EachOptions struct {
	// Index restricts iteration to entries carrying this index tag.
	// Empty iterates the whole log.
	Index string
}

// RemoveOptions bounds reason removal.
type RemoveOptions struct {
	// OlderThan, when set, limits removal to entries causally older
	// than this meta.
	OlderThan *action.Meta
}

// Visit is called for each entry during iteration, newest first.
// Returning false stops the iteration.
type Visit func(a action.Action, meta *action.Meta) (bool, error)

// Store is the physical storage consumed by the Log.
//
// Implementations: MemoryStore (this package), the SQLite store in
// internal/store, and the bbolt store in internal/boltstore. All
// methods must be safe for concurrent use.
type Store interface {
	// Add appends an entry and assigns meta.Added. It returns false
	// without storing when an entry with the same ID already exists.
	Add(ctx context.Context, a action.Action, meta *action.Meta) (bool, error)

	// ByID returns the entry with the given ID, or nil when absent.
	ByID(ctx context.Context, id action.ID) (*Entry, error)

	// Remove deletes an entry and returns it, or nil when absent.
	Remove(ctx context.Context, id action.ID) (*Entry, error)

	// Each iterates entries newest first, honoring opts.Index.
	Each(ctx context.Context, opts EachOptions, visit Visit) error

	// SetReasons replaces an entry's retention reasons. The new list is
	// always non-empty; clearing reasons goes through Remove instead.
	// Returns false when the entry is absent.
	SetReasons(ctx context.Context, id action.ID, reasons []string) (bool, error)

	// RemoveReason drops one reason tag from every matching entry.
	// Entries whose reason list becomes empty are deleted and reported
	// through cleaned.
	RemoveReason(ctx context.Context, reason string, opts RemoveOptions, cleaned func(Entry)) error

	// Close releases underlying resources.
	Close() error
}
