package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleksandrSl/client/internal/action"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	now := time.UnixMilli(1000)
	gen := action.NewGeneratorAt("10:test", func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	})
	return New(NewMemoryStore(), gen)
}

func TestLogAdd_FillsIDAndTime(t *testing.T) {
	log := newTestLog(t)

	meta, err := log.Add(context.Background(), action.Action{Type: "users/changed"},
		&action.Meta{Reasons: []string{"keep"}})
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, action.ID("1010 10:test 0"), meta.ID)
	assert.Equal(t, int64(1010), meta.Time)
	assert.Equal(t, uint64(1), meta.Added)
}

func TestLogAdd_Duplicate(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	meta, err := log.Add(ctx, action.Action{Type: "users/changed"},
		&action.Meta{ID: "5 a 0", Reasons: []string{"keep"}})
	require.NoError(t, err)
	require.NotNil(t, meta)

	again, err := log.Add(ctx, action.Action{Type: "users/changed"},
		&action.Meta{ID: "5 a 0", Reasons: []string{"keep"}})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestLogAdd_NoReasonsIsDispatchOnly(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	var added, cleaned int
	log.On(EventAdd, func(a action.Action, meta *action.Meta) { added++ })
	log.On(EventClean, func(a action.Action, meta *action.Meta) { cleaned++ })

	var handled bool
	log.Type("users/delete", "", PhaseAdd, func(a action.Action, meta *action.Meta) {
		handled = true
	})

	meta, err := log.Add(ctx, action.Action{Type: "users/delete", ID: "1"}, nil)
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.True(t, handled)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, cleaned)

	e, err := log.ByID(ctx, meta.ID)
	require.NoError(t, err)
	assert.Nil(t, e, "reason-less action must not be stored")
}

func TestLogAdd_PreaddTagsDecideStorage(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	log.Type("users/changed", "", PhasePreadd, func(a action.Action, meta *action.Meta) {
		meta.AddReason("users/" + a.ID + "/name")
		meta.Indexes = action.Indexes("users", a.ID)
	})

	meta, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1",
		Fields: map[string]any{"name": "x"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, meta)

	e, err := log.ByID(ctx, meta.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{"users/1/name"}, e.Meta.Reasons)
	assert.Equal(t, []string{"users", "users/1"}, e.Meta.Indexes)
}

func TestLogType_DispatchOrderAndScope(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	var order []string
	log.Type("users/changed", "", PhaseAdd, func(a action.Action, meta *action.Meta) {
		order = append(order, "wildcard")
	})
	log.Type("users/changed", "1", PhaseAdd, func(a action.Action, meta *action.Meta) {
		order = append(order, "scoped")
	})
	log.Type("users/changed", "2", PhaseAdd, func(a action.Action, meta *action.Meta) {
		order = append(order, "other")
	})

	_, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{Reasons: []string{"keep"}})
	require.NoError(t, err)

	// Registration order across scoped and wildcard handlers; the handler
	// scoped to record "2" never fires.
	assert.Equal(t, []string{"wildcard", "scoped"}, order)
}

func TestLogType_Unbind(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	var calls int
	unbind := log.Type("users/changed", "", PhaseAdd, func(a action.Action, meta *action.Meta) {
		calls++
	})

	_, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{Reasons: []string{"keep"}})
	require.NoError(t, err)
	unbind()
	_, err = log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{Reasons: []string{"keep"}})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestLogType_HandlerMayReenter(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	log.Type("users/changed", "", PhaseAdd, func(a action.Action, meta *action.Meta) {
		// Appending from inside a handler must not deadlock.
		_, err := log.Add(ctx, action.Action{Type: "users/audit", ID: a.ID},
			&action.Meta{Reasons: []string{"audit"}})
		assert.NoError(t, err)
	})

	_, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{Reasons: []string{"keep"}})
	require.NoError(t, err)

	var types []string
	err = log.Each(ctx, EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		types = append(types, a.Type)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"users/audit", "users/changed"}, types)
}

func TestLogRemoveReason(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	first, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{Reasons: []string{"users/1/name"}})
	require.NoError(t, err)
	second, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{Reasons: []string{"users/1/name", "pinned"}})
	require.NoError(t, err)

	var cleaned []action.ID
	log.On(EventClean, func(a action.Action, meta *action.Meta) {
		cleaned = append(cleaned, meta.ID)
	})

	require.NoError(t, log.RemoveReason(ctx, "users/1/name", RemoveOptions{}))

	e, err := log.ByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, e, "entry with no remaining reasons is dropped")
	assert.Equal(t, []action.ID{first.ID}, cleaned)

	e, err = log.ByID(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{"pinned"}, e.Meta.Reasons)
}

func TestLogRemoveReason_OlderThan(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	old, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{ID: "100 a 0", Reasons: []string{"users/1/name"}})
	require.NoError(t, err)
	newer, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{ID: "300 a 0", Reasons: []string{"users/1/name"}})
	require.NoError(t, err)

	require.NoError(t, log.RemoveReason(ctx, "users/1/name",
		RemoveOptions{OlderThan: &action.Meta{ID: "200 a 0", Time: 200}}))

	e, err := log.ByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = log.ByID(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{"users/1/name"}, e.Meta.Reasons)
}

func TestLogChangeMeta(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	meta, err := log.Add(ctx, action.Action{Type: "users/changed", ID: "1"},
		&action.Meta{Reasons: []string{"a"}})
	require.NoError(t, err)

	ok, err := log.ChangeMeta(ctx, meta.ID, []string{"b", "c"})
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := log.ByID(ctx, meta.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{"b", "c"}, e.Meta.Reasons)

	var cleaned []action.ID
	log.On(EventClean, func(a action.Action, m *action.Meta) {
		cleaned = append(cleaned, m.ID)
	})

	ok, err = log.ChangeMeta(ctx, meta.ID, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []action.ID{meta.ID}, cleaned)

	ok, err = log.ChangeMeta(ctx, "999 zz 0", []string{"x"})
	require.NoError(t, err)
	assert.False(t, ok)
}
