// Package boltstore persists the action log in a single bbolt file.
// It is the embedded-file alternative to the SQLite store: no cgo, one
// writer, cheap snapshot reads. Entries live in one bucket keyed by
// action ID; three secondary buckets order them by log position and
// look them up by index and reason tag.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
)

var (
	bucketEntries = []byte("entries")
	bucketOrder   = []byte("order")
	bucketIndexes = []byte("indexes")
	bucketReasons = []byte("reasons")
)

// record is the stored form of one entry. The action ID is the bucket
// key, so it is not repeated in the value.
type record struct {
	Action  action.Action `json:"action"`
	Time    int64         `json:"time"`
	Added   uint64        `json:"added"`
	Reasons []string      `json:"reasons,omitempty"`
	Indexes []string      `json:"indexes,omitempty"`
	Sync    bool          `json:"sync,omitempty"`
}

// Store implements oplog.Store on top of a bbolt database.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the bbolt file at path and ensures
// all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketOrder, bucketIndexes, bucketReasons} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add appends an entry, assigning meta.Added from the order bucket's
// sequence. Returns false without writing when the ID already exists.
func (s *Store) Add(ctx context.Context, a action.Action, meta *action.Meta) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var stored bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		key := []byte(meta.ID)
		if entries.Get(key) != nil {
			return nil
		}

		order := tx.Bucket(bucketOrder)
		added, err := order.NextSequence()
		if err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		rec := record{
			Action:  a,
			Time:    meta.Time,
			Added:   added,
			Reasons: meta.Reasons,
			Indexes: meta.Indexes,
			Sync:    meta.Sync,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := entries.Put(key, data); err != nil {
			return err
		}
		if err := order.Put(positionKey(added), key); err != nil {
			return err
		}

		indexes := tx.Bucket(bucketIndexes)
		for _, idx := range meta.Indexes {
			if err := indexes.Put(tagKey(idx, added), key); err != nil {
				return err
			}
		}
		reasons := tx.Bucket(bucketReasons)
		for _, reason := range meta.Reasons {
			if err := reasons.Put(tagKey(reason, added), key); err != nil {
				return err
			}
		}

		meta.Added = added
		stored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("add %s: %w", meta.ID, err)
	}
	return stored, nil
}

// ByID returns the entry with the given ID, or nil when absent.
func (s *Store) ByID(ctx context.Context, id action.ID) (*oplog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *oplog.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(id))
		if data == nil {
			return nil
		}
		e, err := decodeEntry(id, data)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Remove deletes an entry and all its secondary keys, returning the
// removed entry or nil when absent.
func (s *Store) Remove(ctx context.Context, id action.ID) (*oplog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *oplog.Entry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(id)
		data := tx.Bucket(bucketEntries).Get(key)
		if data == nil {
			return nil
		}
		e, err := decodeEntry(id, data)
		if err != nil {
			return err
		}
		if err := deleteEntry(tx, key, e.Meta); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Each iterates entries newest first. With opts.Index set only entries
// carrying that tag are visited. Entries are collected under a read
// transaction first so visit callbacks may freely call back into the
// store.
func (s *Store) Each(ctx context.Context, opts oplog.EachOptions, visit oplog.Visit) error {
	var collected []*oplog.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		load := func(key []byte) error {
			data := entries.Get(key)
			if data == nil {
				return &oplog.InconsistencyError{
					Op:  "each",
					ID:  action.ID(key),
					Err: fmt.Errorf("secondary key points at missing entry"),
				}
			}
			e, err := decodeEntry(action.ID(key), data)
			if err != nil {
				return err
			}
			collected = append(collected, e)
			return nil
		}

		if opts.Index == "" {
			c := tx.Bucket(bucketOrder).Cursor()
			for k, v := c.Last(); k != nil; k, v = c.Prev() {
				if err := load(v); err != nil {
					return err
				}
			}
			return nil
		}

		c := tx.Bucket(bucketIndexes).Cursor()
		prefix := []byte(opts.Index + "\x00")
		for k, v := seekLast(c, prefix); k != nil; k, v = c.Prev() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			if err := load(v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("each: %w", err)
	}

	for _, e := range collected {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := visit(e.Action, e.Meta)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// SetReasons replaces an entry's reason list. Returns false when the
// entry is absent.
func (s *Store) SetReasons(ctx context.Context, id action.ID, reasons []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		key := []byte(id)
		data := entries.Get(key)
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return &oplog.InconsistencyError{Op: "set reasons", ID: id, Err: err}
		}

		tags := tx.Bucket(bucketReasons)
		for _, old := range rec.Reasons {
			if err := tags.Delete(tagKey(old, rec.Added)); err != nil {
				return err
			}
		}
		rec.Reasons = reasons
		for _, reason := range reasons {
			if err := tags.Put(tagKey(reason, rec.Added), key); err != nil {
				return err
			}
		}

		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := entries.Put(key, updated); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("set reasons %s: %w", id, err)
	}
	return found, nil
}

// RemoveReason drops the reason tag from every matching entry, honoring
// opts.OlderThan. Entries left with no reasons are deleted; cleaned is
// called for each of them after the transaction commits.
func (s *Store) RemoveReason(ctx context.Context, reason string, opts oplog.RemoveOptions, cleaned func(oplog.Entry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var removed []oplog.Entry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		tags := tx.Bucket(bucketReasons)

		// Collect matching keys first; deleting while the cursor walks
		// the same bucket would skip entries.
		prefix := []byte(reason + "\x00")
		var keys [][]byte
		c := tags.Cursor()
		for k, v := seekLast(c, prefix); k != nil; k, v = c.Prev() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			keys = append(keys, append([]byte(nil), v...))
		}

		for _, key := range keys {
			id := action.ID(key)
			data := entries.Get(key)
			if data == nil {
				return &oplog.InconsistencyError{
					Op:  "remove reason",
					ID:  id,
					Err: fmt.Errorf("reason tag points at missing entry"),
				}
			}
			e, err := decodeEntry(id, data)
			if err != nil {
				return err
			}
			if opts.OlderThan != nil && !action.IsFirstOlder(e.Meta, opts.OlderThan) {
				continue
			}

			var kept []string
			for _, r := range e.Meta.Reasons {
				if r != reason {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				if err := deleteEntry(tx, key, e.Meta); err != nil {
					return err
				}
				e.Meta.Reasons = nil
				removed = append(removed, *e)
				continue
			}

			if err := tags.Delete(tagKey(reason, e.Meta.Added)); err != nil {
				return err
			}
			rec := record{
				Action:  e.Action,
				Time:    e.Meta.Time,
				Added:   e.Meta.Added,
				Reasons: kept,
				Indexes: e.Meta.Indexes,
				Sync:    e.Meta.Sync,
			}
			updated, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal entry: %w", err)
			}
			if err := entries.Put(key, updated); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove reason %q: %w", reason, err)
	}

	if cleaned != nil {
		for _, e := range removed {
			cleaned(e)
		}
	}
	return nil
}

// Len reports the number of stored entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

// deleteEntry removes the entry and every secondary key derived from
// its meta.
func deleteEntry(tx *bbolt.Tx, key []byte, meta *action.Meta) error {
	if err := tx.Bucket(bucketEntries).Delete(key); err != nil {
		return err
	}
	if err := tx.Bucket(bucketOrder).Delete(positionKey(meta.Added)); err != nil {
		return err
	}
	indexes := tx.Bucket(bucketIndexes)
	for _, idx := range meta.Indexes {
		if err := indexes.Delete(tagKey(idx, meta.Added)); err != nil {
			return err
		}
	}
	reasons := tx.Bucket(bucketReasons)
	for _, reason := range meta.Reasons {
		if err := reasons.Delete(tagKey(reason, meta.Added)); err != nil {
			return err
		}
	}
	return nil
}

func decodeEntry(id action.ID, data []byte) (*oplog.Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &oplog.InconsistencyError{Op: "decode", ID: id, Err: err}
	}
	return &oplog.Entry{
		Action: rec.Action,
		Meta: &action.Meta{
			ID:      id,
			Time:    rec.Time,
			Added:   rec.Added,
			Reasons: rec.Reasons,
			Indexes: rec.Indexes,
			Sync:    rec.Sync,
		},
	}, nil
}

// positionKey renders a log position as a big-endian key so byte order
// matches numeric order.
func positionKey(added uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], added)
	return k[:]
}

// tagKey builds a secondary key "<tag>\x00<position>" so entries with
// the same tag sort by log position.
func tagKey(tag string, added uint64) []byte {
	k := make([]byte, 0, len(tag)+9)
	k = append(k, tag...)
	k = append(k, 0)
	return append(k, positionKey(added)...)
}

// seekLast positions the cursor on the last key with the given prefix,
// or returns nil when no such key exists.
func seekLast(c *bbolt.Cursor, prefix []byte) ([]byte, []byte) {
	// Seek to the first key past the prefix range, then step back. The
	// prefix ends in 0x00, so bumping the last byte bounds the range.
	end := append(append([]byte(nil), prefix[:len(prefix)-1]...), 1)
	k, v := c.Seek(end)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
		return nil, nil
	}
	return k, v
}
