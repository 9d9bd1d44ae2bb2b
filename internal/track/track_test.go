package track

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
)

func newTracked(t *testing.T) (*oplog.Log, *Tracker) {
	t.Helper()
	now := time.UnixMilli(1000)
	gen := action.NewGeneratorAt("10:test", func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	})
	log := oplog.New(oplog.NewMemoryStore(), gen)
	tracker := New(log)
	t.Cleanup(tracker.Close)
	return log, tracker
}

func TestTracker_Processed(t *testing.T) {
	log, tracker := newTracked(t)

	done := tracker.Track("5 a 0")
	assert.Equal(t, 1, tracker.Pending())

	_, err := log.Add(context.Background(), action.Processed("5 a 0"), nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	default:
		t.Fatal("confirmation was not delivered")
	}
	assert.Zero(t, tracker.Pending())
}

func TestTracker_Undo(t *testing.T) {
	log, tracker := newTracked(t)

	done := tracker.Track("5 a 0")
	_, err := log.Add(context.Background(), action.Undo("5 a 0", ReasonDenied), nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		var undo *UndoError
		require.ErrorAs(t, err, &undo)
		assert.Equal(t, action.ID("5 a 0"), undo.ActionID)
		assert.Equal(t, ReasonDenied, undo.Reason)
		assert.True(t, IsDenied(err))
		assert.False(t, IsNotFound(err))
	default:
		t.Fatal("rejection was not delivered")
	}
}

func TestTracker_MultipleWaitersSameID(t *testing.T) {
	log, tracker := newTracked(t)

	first := tracker.Track("5 a 0")
	second := tracker.Track("5 a 0")
	assert.Equal(t, 1, tracker.Pending())

	_, err := log.Add(context.Background(), action.Processed("5 a 0"), nil)
	require.NoError(t, err)

	assert.NoError(t, <-first)
	assert.NoError(t, <-second)
}

func TestTracker_ResponseForUntrackedID(t *testing.T) {
	log, tracker := newTracked(t)

	_, err := log.Add(context.Background(), action.Processed("5 a 0"), nil)
	require.NoError(t, err)
	assert.Zero(t, tracker.Pending())

	// An ID tracked after its confirmation arrived stays pending; the
	// tracker does not remember past responses.
	done := tracker.Track("5 a 0")
	select {
	case <-done:
		t.Fatal("late track must not resolve from a past confirmation")
	default:
	}
}

func TestTracker_CloseDeliversUnconfirmed(t *testing.T) {
	_, tracker := newTracked(t)

	done := tracker.Track("5 a 0")
	tracker.Close()

	assert.ErrorIs(t, <-done, ErrUnconfirmed)
	assert.ErrorIs(t, <-tracker.Track("6 a 0"), ErrUnconfirmed)

	// Close is idempotent.
	tracker.Close()
}

func TestTracker_Wait(t *testing.T) {
	log, tracker := newTracked(t)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, err := log.Add(context.Background(), action.Processed("5 a 0"), nil)
		assert.NoError(t, err)
	}()

	err := tracker.Wait(context.Background(), "5 a 0")
	assert.NoError(t, err)
}

func TestTracker_WaitContextCancelled(t *testing.T) {
	_, tracker := newTracked(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := tracker.Wait(ctx, "5 a 0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
