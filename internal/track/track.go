// Package track resolves confirmation futures for actions sent to the
// server. A tracked action ID resolves when a logux/processed action
// for it enters the log, and fails with an UndoError when a logux/undo
// arrives instead.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
)

// Undo reason codes the server commonly uses.
const (
	ReasonNotFound = "notFound"
	ReasonDenied   = "denied"
)

// ErrUnconfirmed is delivered to waiters when tracking stops before the
// server responded. It is not a rejection: the optimistic state stays
// in place, and no rollback happens.
var ErrUnconfirmed = errors.New("confirmation tracking stopped before a response arrived")

// UndoError reports that the server rejected an action.
type UndoError struct {
	// ActionID identifies the rejected action.
	ActionID action.ID

	// Reason is the server's rejection code, e.g. "notFound" or "denied".
	Reason string
}

func (e *UndoError) Error() string {
	return fmt.Sprintf("server undid action %s because of %s", e.ActionID, e.Reason)
}

// IsNotFound reports whether err is an UndoError with the notFound reason.
func IsNotFound(err error) bool {
	var undo *UndoError
	return errors.As(err, &undo) && undo.Reason == ReasonNotFound
}

// IsDenied reports whether err is an UndoError with the denied reason.
func IsDenied(err error) bool {
	var undo *UndoError
	return errors.As(err, &undo) && undo.Reason == ReasonDenied
}

// Tracker watches the log for logux/processed and logux/undo actions
// and resolves the futures handed out by Track.
//
// There is deliberately no timeout: liveness of the confirmation
// channel is the transport's concern. A confirmation that never arrives
// leaves every waiter pending until Close.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	waiting map[action.ID][]chan error
	closed  bool
	unbinds []oplog.Unbind
}

// New creates a Tracker bound to the log's commit phase.
func New(log *oplog.Log) *Tracker {
	t := &Tracker{waiting: make(map[action.ID][]chan error)}
	t.unbinds = append(t.unbinds,
		log.Type(action.TypeProcessed, "", oplog.PhaseAdd, func(a action.Action, meta *action.Meta) {
			t.resolve(action.ID(a.ID), nil)
		}),
		log.Type(action.TypeUndo, "", oplog.PhaseAdd, func(a action.Action, meta *action.Meta) {
			t.resolve(action.ID(a.ID), &UndoError{ActionID: action.ID(a.ID), Reason: a.Reason})
		}),
	)
	return t
}

// Track returns a future for the given action ID. The channel receives
// exactly one value: nil on logux/processed, an *UndoError on
// logux/undo, or ErrUnconfirmed when the tracker closes first.
// Multiple callers may track the same ID.
func (t *Tracker) Track(id action.ID) <-chan error {
	ch := make(chan error, 1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		ch <- ErrUnconfirmed
		return ch
	}
	t.waiting[id] = append(t.waiting[id], ch)
	return ch
}

// Wait blocks until the action is confirmed, rejected, or ctx is done.
func (t *Tracker) Wait(ctx context.Context, id action.ID) error {
	select {
	case err := <-t.Track(id):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of action IDs still awaiting a response.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}

// Close detaches the tracker from the log and delivers ErrUnconfirmed
// to every pending waiter.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.waiting
	t.waiting = make(map[action.ID][]chan error)
	unbinds := t.unbinds
	t.unbinds = nil
	t.mu.Unlock()

	for _, unbind := range unbinds {
		unbind()
	}
	for id, waiters := range pending {
		slog.Debug("confirmation wait abandoned", "id", id)
		for _, ch := range waiters {
			ch <- ErrUnconfirmed
		}
	}
}

func (t *Tracker) resolve(id action.ID, result error) {
	t.mu.Lock()
	waiters := t.waiting[id]
	delete(t.waiting, id)
	t.mu.Unlock()

	if len(waiters) == 0 {
		return
	}
	if result != nil {
		slog.Debug("action rejected", "id", id, "error", result)
	} else {
		slog.Debug("action processed", "id", id)
	}
	for _, ch := range waiters {
		ch <- result
	}
}
