package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func add(t *testing.T, s *Store, id action.ID, typ string, fields map[string]any, indexes, reasons []string) *action.Meta {
	t.Helper()
	tm, _, _, ok := id.Parts()
	require.True(t, ok)
	meta := &action.Meta{ID: id, Time: tm, Indexes: indexes, Reasons: reasons, Sync: true}
	stored, err := s.Add(context.Background(), action.Action{Type: typ, Fields: fields}, meta)
	require.NoError(t, err)
	require.True(t, stored)
	return meta
}

func TestStore_AddAndByID(t *testing.T) {
	s, _ := openTestStore(t)

	meta := add(t, s, "1 n 0", "users/changed", map[string]any{"name": "x"},
		[]string{"users", "users/1"}, []string{"users/1/name"})
	assert.Equal(t, uint64(1), meta.Added)

	e, err := s.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "users/changed", e.Action.Type)
	assert.Equal(t, map[string]any{"name": "x"}, e.Action.Fields)
	assert.Equal(t, []string{"users/1/name"}, e.Meta.Reasons)
	assert.Equal(t, []string{"users", "users/1"}, e.Meta.Indexes)
	assert.True(t, e.Meta.Sync)

	missing, err := s.ByID(context.Background(), "9 zz 9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_DuplicateAdd(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", nil, nil, []string{"keep"})

	stored, err := s.Add(context.Background(), action.Action{Type: "users/changed"},
		&action.Meta{ID: "1 n 0", Time: 1, Reasons: []string{"keep"}})
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", map[string]any{"name": "x"}, []string{"users/1"}, []string{"keep"})
	require.NoError(t, s.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()

	e, err := again.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, map[string]any{"name": "x"}, e.Action.Fields)
	assert.Equal(t, uint64(1), e.Meta.Added)

	// Position assignment continues from the persisted sequence.
	meta := add(t, again, "2 n 0", "users/changed", nil, nil, []string{"keep"})
	assert.Equal(t, uint64(2), meta.Added)
}

func TestStore_EachNewestFirstWithIndex(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", nil, []string{"users", "users/1"}, []string{"keep"})
	add(t, s, "2 n 0", "posts/changed", nil, []string{"posts", "posts/7"}, []string{"keep"})
	add(t, s, "3 n 0", "users/changed", nil, []string{"users", "users/1"}, []string{"keep"})

	var ids []action.ID
	err := s.Each(context.Background(), oplog.EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		ids = append(ids, meta.ID)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []action.ID{"3 n 0", "2 n 0", "1 n 0"}, ids)

	ids = nil
	err = s.Each(context.Background(), oplog.EachOptions{Index: "users/1"}, func(a action.Action, meta *action.Meta) (bool, error) {
		ids = append(ids, meta.ID)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []action.ID{"3 n 0", "1 n 0"}, ids)
}

// The pool is capped at one connection, so tag lookups must not run
// while the entry rows are still open. A deadline turns a regression
// into a context error instead of a hang.
func TestStore_TagReadsReleaseConnection(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", nil, []string{"users", "users/1"}, []string{"users/1/name"})
	add(t, s, "2 n 0", "users/changed", nil, []string{"users", "users/1"}, []string{"users/1/name", "extra"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reasons [][]string
	err := s.Each(ctx, oplog.EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		reasons = append(reasons, meta.Reasons)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, reasons, 2)
	assert.ElementsMatch(t, []string{"extra", "users/1/name"}, reasons[0])
	assert.Equal(t, []string{"users/1/name"}, reasons[1])

	err = s.RemoveReason(ctx, "users/1/name", oplog.RemoveOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.Err())

	e, err := s.ByID(ctx, "1 n 0")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_EachVisitMayReenter(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", nil, nil, []string{"keep"})

	err := s.Each(context.Background(), oplog.EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		e, err := s.ByID(context.Background(), meta.ID)
		require.NoError(t, err)
		assert.NotNil(t, e)
		return true, nil
	})
	require.NoError(t, err)
}

func TestStore_Remove(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", nil, []string{"users/1"}, []string{"keep"})

	e, err := s.Remove(context.Background(), "1 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, action.ID("1 n 0"), e.Meta.ID)

	missing, err := s.Remove(context.Background(), "1 n 0")
	require.NoError(t, err)
	assert.Nil(t, missing)

	var visited int
	err = s.Each(context.Background(), oplog.EachOptions{Index: "users/1"}, func(a action.Action, meta *action.Meta) (bool, error) {
		visited++
		return true, nil
	})
	require.NoError(t, err)
	assert.Zero(t, visited)
}

func TestStore_SetReasons(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", nil, nil, []string{"old"})

	ok, err := s.SetReasons(context.Background(), "1 n 0", []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := s.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.ElementsMatch(t, []string{"a", "b"}, e.Meta.Reasons)

	// The replaced tag must not match removals anymore.
	require.NoError(t, s.RemoveReason(context.Background(), "old", oplog.RemoveOptions{}, nil))
	e, err = s.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	assert.NotNil(t, e)

	ok, err = s.SetReasons(context.Background(), "9 zz 9", []string{"x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RemoveReason(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "1 n 0", "users/changed", nil, nil, []string{"shared"})
	add(t, s, "2 n 0", "users/changed", nil, nil, []string{"shared", "extra"})

	var cleaned []action.ID
	err := s.RemoveReason(context.Background(), "shared", oplog.RemoveOptions{}, func(e oplog.Entry) {
		cleaned = append(cleaned, e.Meta.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, []action.ID{"1 n 0"}, cleaned)

	e, err := s.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = s.ByID(context.Background(), "2 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{"extra"}, e.Meta.Reasons)
}

func TestStore_RemoveReasonOlderThan(t *testing.T) {
	s, _ := openTestStore(t)
	add(t, s, "100 n 0", "users/changed", nil, nil, []string{"users/1/name"})
	add(t, s, "300 n 0", "users/changed", nil, nil, []string{"users/1/name"})

	err := s.RemoveReason(context.Background(), "users/1/name",
		oplog.RemoveOptions{OlderThan: &action.Meta{ID: "200 n 0", Time: 200}}, nil)
	require.NoError(t, err)

	e, err := s.ByID(context.Background(), "100 n 0")
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = s.ByID(context.Background(), "300 n 0")
	require.NoError(t, err)
	assert.NotNil(t, e)
}
