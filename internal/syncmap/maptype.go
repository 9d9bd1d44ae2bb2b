// Package syncmap implements synchronized maps: local, optimistically
// updated copies of server-owned records that converge with concurrent
// changes from other clients once the shared action log is replayed or
// extended.
//
// A map type is defined once per record type (its plural name plus the
// remote/offline capabilities) and registered in a Registry. Live
// records are SyncMap instances, reference counted per record ID.
package syncmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
	"github.com/AleksandrSl/client/internal/track"
)

// Client bundles the collaborators every synced map needs: the action
// log and the confirmation tracker watching it.
type Client struct {
	Log     *oplog.Log
	Tracker *track.Tracker
}

// NewClient creates a Client over the given log, wiring a fresh
// confirmation tracker to it.
func NewClient(log *oplog.Log) *Client {
	return &Client{Log: log, Tracker: track.New(log)}
}

// Close detaches the confirmation tracker. Pending confirmation waits
// resolve with track.ErrUnconfirmed.
func (c *Client) Close() {
	c.Tracker.Close()
}

// MapType defines one record type.
type MapType struct {
	// Plural is the record type name used in action types and channels,
	// e.g. "users".
	Plural string

	// Remote marks types whose authoritative state lives on a server:
	// loading subscribes to the record channel and writes await
	// confirmation. Most types are remote.
	Remote bool

	// Offline marks types whose state can be rebuilt purely from the
	// local log: per-field retention reasons survive unload.
	Offline bool
}

// Registry owns the set of map type definitions and the live record
// instances built from them. It replaces any ambient global builder
// state: whoever constructs the record types owns the registry and
// threads it through.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	client *Client

	mu        sync.Mutex
	types     map[string]*MapType
	instances map[string]*SyncMap // keyed by "<plural>/<id>"
}

// NewRegistry creates a Registry bound to a client.
func NewRegistry(client *Client) *Registry {
	return &Registry{
		client:    client,
		types:     make(map[string]*MapType),
		instances: make(map[string]*SyncMap),
	}
}

// Define registers a map type. Defining the same plural twice is a
// programming error and fails loudly.
func (r *Registry) Define(def MapType) (*MapType, error) {
	if def.Plural == "" {
		return nil, fmt.Errorf("define map type: empty plural name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Plural]; exists {
		return nil, fmt.Errorf("define map type: %q is already defined", def.Plural)
	}
	typ := def
	r.types[def.Plural] = &typ
	return &typ, nil
}

// Type returns a registered map type.
func (r *Registry) Type(plural string) (*MapType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	typ, ok := r.types[plural]
	return typ, ok
}

// Instantiate returns the synced map for (plural, id), loading it if no
// live instance exists. While referenced, repeated calls return the
// same instance; every call must be paired with Release.
func (r *Registry) Instantiate(ctx context.Context, plural, id string) (*SyncMap, error) {
	r.mu.Lock()
	typ, ok := r.types[plural]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("instantiate: map type %q is not defined", plural)
	}
	key := plural + "/" + id
	if m, live := r.instances[key]; live {
		m.retain()
		r.mu.Unlock()
		return m, nil
	}
	m := newSyncMap(r, typ, id)
	r.instances[key] = m
	r.mu.Unlock()

	m.start(ctx, nil, nil, false, nil)
	return m, nil
}

// instantiateCreated builds the instance for a record whose creation
// action is already at hand, so no load is needed. confirm is the
// creation's confirmation track, registered by the caller before the
// creation entered the log; nil for local creations.
func (r *Registry) instantiateCreated(ctx context.Context, typ *MapType, id string, a *action.Action, meta *action.Meta, confirm <-chan error) *SyncMap {
	r.mu.Lock()
	key := typ.Plural + "/" + id
	if m, live := r.instances[key]; live {
		m.retain()
		r.mu.Unlock()
		return m
	}
	m := newSyncMap(r, typ, id)
	r.instances[key] = m
	r.mu.Unlock()

	m.start(ctx, a, meta, false, confirm)
	return m
}

// drop removes a destroyed instance from the live table.
func (r *Registry) drop(m *SyncMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := m.typ.Plural + "/" + m.id
	if r.instances[key] == m {
		delete(r.instances, key)
	}
}

// Live returns the number of live record instances. Used by tests.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
