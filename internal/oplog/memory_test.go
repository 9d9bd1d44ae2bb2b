package oplog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleksandrSl/client/internal/action"
)

func addEntry(t *testing.T, s *MemoryStore, id action.ID, typ string, indexes, reasons []string) *action.Meta {
	t.Helper()
	tm, _, _, ok := id.Parts()
	require.True(t, ok)
	meta := &action.Meta{ID: id, Time: tm, Indexes: indexes, Reasons: reasons}
	stored, err := s.Add(context.Background(), action.Action{Type: typ}, meta)
	require.NoError(t, err)
	require.True(t, stored)
	return meta
}

func TestMemoryStore_AddAssignsPositions(t *testing.T) {
	s := NewMemoryStore()
	a := addEntry(t, s, "1 n 0", "users/changed", nil, []string{"keep"})
	b := addEntry(t, s, "2 n 0", "users/changed", nil, []string{"keep"})
	assert.Equal(t, uint64(1), a.Added)
	assert.Equal(t, uint64(2), b.Added)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_EachNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	addEntry(t, s, "1 n 0", "users/changed", []string{"users", "users/1"}, []string{"keep"})
	addEntry(t, s, "2 n 0", "posts/changed", []string{"posts", "posts/7"}, []string{"keep"})
	addEntry(t, s, "3 n 0", "users/changed", []string{"users", "users/1"}, []string{"keep"})

	var ids []action.ID
	err := s.Each(context.Background(), EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		ids = append(ids, meta.ID)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []action.ID{"3 n 0", "2 n 0", "1 n 0"}, ids)

	ids = nil
	err = s.Each(context.Background(), EachOptions{Index: "users/1"}, func(a action.Action, meta *action.Meta) (bool, error) {
		ids = append(ids, meta.ID)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []action.ID{"3 n 0", "1 n 0"}, ids)
}

func TestMemoryStore_EachStopsEarly(t *testing.T) {
	s := NewMemoryStore()
	addEntry(t, s, "1 n 0", "users/changed", nil, []string{"keep"})
	addEntry(t, s, "2 n 0", "users/changed", nil, []string{"keep"})

	var visited int
	err := s.Each(context.Background(), EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		visited++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visited)
}

func TestMemoryStore_HandsOutClones(t *testing.T) {
	s := NewMemoryStore()
	addEntry(t, s, "1 n 0", "users/changed", nil, []string{"keep"})

	e, err := s.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	e.Meta.Reasons[0] = "mutated"

	again, err := s.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, again.Meta.Reasons)
}

func TestMemoryStore_Remove(t *testing.T) {
	s := NewMemoryStore()
	addEntry(t, s, "1 n 0", "users/changed", []string{"users/1"}, []string{"keep"})

	e, err := s.Remove(context.Background(), "1 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, action.ID("1 n 0"), e.Meta.ID)
	assert.Equal(t, 0, s.Len())

	missing, err := s.Remove(context.Background(), "1 n 0")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Index lookups no longer surface the removed entry.
	var visited int
	err = s.Each(context.Background(), EachOptions{Index: "users/1"}, func(a action.Action, meta *action.Meta) (bool, error) {
		visited++
		return true, nil
	})
	require.NoError(t, err)
	assert.Zero(t, visited)
}

func TestMemoryStore_SetReasonsRetags(t *testing.T) {
	s := NewMemoryStore()
	addEntry(t, s, "1 n 0", "users/changed", nil, []string{"old"})

	ok, err := s.SetReasons(context.Background(), "1 n 0", []string{"new"})
	require.NoError(t, err)
	assert.True(t, ok)

	// The old tag no longer matches anything.
	require.NoError(t, s.RemoveReason(context.Background(), "old", RemoveOptions{}, nil))
	e, err := s.ByID(context.Background(), "1 n 0")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{"new"}, e.Meta.Reasons)

	ok, err = s.SetReasons(context.Background(), "9 zz 9", []string{"x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_RemoveReasonReportsCleaned(t *testing.T) {
	s := NewMemoryStore()
	addEntry(t, s, "1 n 0", "users/changed", nil, []string{"shared"})
	addEntry(t, s, "2 n 0", "users/changed", nil, []string{"shared", "extra"})

	var cleaned []action.ID
	err := s.RemoveReason(context.Background(), "shared", RemoveOptions{}, func(e Entry) {
		cleaned = append(cleaned, e.Meta.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, []action.ID{"1 n 0"}, cleaned)
	assert.Equal(t, 1, s.Len())
}
