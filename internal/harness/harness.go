// Package harness provides a conformance testing framework for the
// synced map engine. Scenarios described in YAML run a sequence of
// record operations and protocol actions against a fresh in-memory log
// with a deterministic clock, then assert on record state and log
// retention. Golden snapshots capture the settled log for regression
// comparison.
package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
	"github.com/AleksandrSl/client/internal/syncmap"
	"github.com/AleksandrSl/client/internal/testutil"
	"github.com/AleksandrSl/client/internal/track"
)

// settleTimeout bounds assertion polling. Confirmation verdicts are
// processed on background goroutines, so assertions wait for the engine
// to settle instead of sampling immediately.
const settleTimeout = 2 * time.Second

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success.
	Pass bool `json:"pass"`

	// Errors contains assertion and step failures. Empty if Pass.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the settled state used for golden comparison: record
	// fields and lifecycle states plus the retained log, oldest first.
	Snapshot map[string]any `json:"snapshot"`
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Harness executes one scenario against a fresh engine.
type Harness struct {
	store    *oplog.MemoryStore
	log      *oplog.Log
	client   *syncmap.Client
	registry *syncmap.Registry

	instances map[string]*syncmap.SyncMap
	stepIDs   []action.ID
	pending   []<-chan error
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store with a
// deterministic clock, so generated action IDs are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	node := scenario.Node
	if node == "" {
		node = "10:test"
	}
	clock := testutil.NewDeterministicClock(1000, 10)

	st := oplog.NewMemoryStore()
	lg := oplog.New(st, clock.Generator(node))
	client := syncmap.NewClient(lg)
	defer client.Close()

	registry := syncmap.NewRegistry(client)
	for _, def := range scenario.Types {
		if _, err := registry.Define(syncmap.MapType{
			Plural:  def.Plural,
			Remote:  def.Remote,
			Offline: def.Offline,
		}); err != nil {
			return nil, fmt.Errorf("define type %q: %w", def.Plural, err)
		}
	}

	h := &Harness{
		store:     st,
		log:       lg,
		client:    client,
		registry:  registry,
		instances: make(map[string]*syncmap.SyncMap),
		stepIDs:   make([]action.ID, len(scenario.Steps)),
		pending:   make([]<-chan error, len(scenario.Steps)),
	}

	ctx := context.Background()
	result := &Result{Pass: true}

	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}

	for i, assertion := range scenario.Assertions {
		h.evaluate(ctx, i, assertion, result)
	}

	snapshot, err := h.snapshot(ctx, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	result.Snapshot = snapshot

	return result, nil
}

func (h *Harness) runStep(ctx context.Context, index int, step Step, result *Result) error {
	switch step.Op {
	case OpBuild:
		capture, unbind := h.capture(step, action.VerbCreate, action.VerbCreated)
		defer unbind()
		m, err := h.registry.Build(ctx, step.Plural, step.ID, step.Fields)
		if err != nil {
			return err
		}
		h.instances[step.Plural+"/"+step.ID] = m
		h.stepIDs[index] = <-capture

	case OpInstantiate:
		m, err := h.registry.Instantiate(ctx, step.Plural, step.ID)
		if err != nil {
			return err
		}
		h.instances[step.Plural+"/"+step.ID] = m

	case OpCreate:
		return h.runWrite(ctx, index, step, action.VerbCreate, action.VerbCreated, func() error {
			return h.registry.Create(ctx, step.Plural, step.ID, step.Fields)
		}, result)

	case OpChange:
		return h.runWrite(ctx, index, step, action.VerbChange, action.VerbChanged, func() error {
			return h.registry.ChangeByID(ctx, step.Plural, step.ID, step.Fields)
		}, result)

	case OpDelete:
		return h.runWrite(ctx, index, step, action.VerbDelete, action.VerbDeleted, func() error {
			return h.registry.DeleteByID(ctx, step.Plural, step.ID)
		}, result)

	case OpRelease:
		key := step.Plural + "/" + step.ID
		m, ok := h.instances[key]
		if !ok {
			return fmt.Errorf("no live instance for %s", key)
		}
		m.Release(ctx)
		delete(h.instances, key)

	case OpProcessed:
		target := h.stepIDs[*step.Of]
		if target == "" {
			return fmt.Errorf("step %d appended no action to confirm", *step.Of)
		}
		if _, err := h.log.Add(ctx, action.Processed(target), nil); err != nil {
			return err
		}
		if ch := h.pending[*step.Of]; ch != nil {
			if err := <-ch; err != nil {
				result.AddError(fmt.Sprintf("steps[%d]: confirmed operation returned %v", *step.Of, err))
			}
		}

	case OpUndo:
		target := h.stepIDs[*step.Of]
		if target == "" {
			return fmt.Errorf("step %d appended no action to reject", *step.Of)
		}
		if _, err := h.log.Add(ctx, action.Undo(target, step.Reason), nil); err != nil {
			return err
		}
		if ch := h.pending[*step.Of]; ch != nil {
			err := <-ch
			var undo *track.UndoError
			if !errors.As(err, &undo) || undo.Reason != step.Reason {
				result.AddError(fmt.Sprintf("steps[%d]: rejected operation returned %v, want undo %q", *step.Of, err, step.Reason))
			}
		}

	case OpApply:
		a := action.Action{
			Type: action.MapType(step.Plural, step.Verb),
			ID:   step.ID,
		}
		if step.Verb != "deleted" && step.Verb != "delete" {
			a.Fields = step.Fields
		}
		meta := &action.Meta{
			ID:      action.MakeID(step.Time, step.Node, step.Counter),
			Time:    step.Time,
			Indexes: action.Indexes(step.Plural, step.ID),
		}
		stored, err := h.log.Add(ctx, a, meta)
		if err != nil {
			return err
		}
		if stored != nil {
			h.stepIDs[index] = stored.ID
		}

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// runWrite executes a registry write. Remote types block until a later
// processed or undo step settles them, so the write runs in the
// background and its appended action ID is captured from the dispatch
// table before the harness moves on.
func (h *Harness) runWrite(ctx context.Context, index int, step Step, remoteVerb, localVerb string, op func() error, result *Result) error {
	capture, unbind := h.capture(step, remoteVerb, localVerb)
	defer unbind()

	typ, ok := h.registry.Type(step.Plural)
	if !ok {
		return fmt.Errorf("type %q is not defined", step.Plural)
	}

	if typ.Remote {
		ch := make(chan error, 1)
		go func() { ch <- op() }()
		h.pending[index] = ch
		h.stepIDs[index] = <-capture
		return nil
	}

	if err := op(); err != nil {
		return err
	}
	select {
	case id := <-capture:
		h.stepIDs[index] = id
	default:
		result.AddError(fmt.Sprintf("steps[%d]: no action appended", index))
	}
	return nil
}

// capture registers a one-shot dispatch handler for the step's action
// so its generated meta ID can be referenced by later steps.
func (h *Harness) capture(step Step, remoteVerb, localVerb string) (<-chan action.ID, oplog.Unbind) {
	typ, _ := h.registry.Type(step.Plural)
	verb := localVerb
	if typ != nil && typ.Remote {
		verb = remoteVerb
	}
	ch := make(chan action.ID, 1)
	unbind := h.log.Type(action.MapType(step.Plural, verb), step.ID, oplog.PhaseAdd,
		func(a action.Action, meta *action.Meta) {
			select {
			case ch <- meta.ID:
			default:
			}
		})
	return ch, unbind
}

func (h *Harness) evaluate(ctx context.Context, index int, a Assertion, result *Result) {
	switch a.Type {
	case AssertFields:
		m, ok := h.instances[a.Plural+"/"+a.ID]
		if !ok {
			result.AddError(fmt.Sprintf("assertions[%d]: no live instance for %s/%s", index, a.Plural, a.ID))
			return
		}
		var fields map[string]any
		settled := testutil.Await(settleTimeout, func() bool {
			fields = m.Fields()
			return fieldsMatch(fields, a.Expect, a.Absent)
		})
		if !settled {
			result.AddError(fmt.Sprintf("assertions[%d]: fields of %s/%s settled at %v, want %v without %v",
				index, a.Plural, a.ID, fields, a.Expect, a.Absent))
		}

	case AssertState:
		m, ok := h.instances[a.Plural+"/"+a.ID]
		if !ok {
			result.AddError(fmt.Sprintf("assertions[%d]: no live instance for %s/%s", index, a.Plural, a.ID))
			return
		}
		var state string
		settled := testutil.Await(settleTimeout, func() bool {
			state = m.State().String()
			return state == a.State
		})
		if !settled {
			result.AddError(fmt.Sprintf("assertions[%d]: state of %s/%s is %s, want %s",
				index, a.Plural, a.ID, state, a.State))
		}

	case AssertReasons:
		var count int
		settled := testutil.Await(settleTimeout, func() bool {
			count = h.countEntries(ctx, a.Reason)
			return count == *a.Count
		})
		if !settled {
			result.AddError(fmt.Sprintf("assertions[%d]: %d entries retain %q, want %d",
				index, count, a.Reason, *a.Count))
		}

	case AssertEntries:
		var count int
		settled := testutil.Await(settleTimeout, func() bool {
			count = h.countEntries(ctx, "")
			return count == *a.Count
		})
		if !settled {
			result.AddError(fmt.Sprintf("assertions[%d]: log holds %d entries, want %d",
				index, count, *a.Count))
		}
	}
}

// countEntries counts log entries, optionally only those retaining the
// given reason.
func (h *Harness) countEntries(ctx context.Context, reason string) int {
	count := 0
	_ = h.log.Each(ctx, oplog.EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		if reason == "" || meta.HasReason(reason) {
			count++
		}
		return true, nil
	})
	return count
}

// snapshot captures the settled engine state: live records and the
// retained log, oldest first.
func (h *Harness) snapshot(ctx context.Context, name string) (map[string]any, error) {
	records := make(map[string]any, len(h.instances))
	for key, m := range h.instances {
		records[key] = map[string]any{
			"state":  m.State().String(),
			"fields": m.Fields(),
		}
	}

	var entries []any
	err := h.log.Each(ctx, oplog.EachOptions{}, func(a action.Action, meta *action.Meta) (bool, error) {
		entry := map[string]any{
			"id":   string(meta.ID),
			"type": a.Type,
		}
		if len(a.Fields) > 0 {
			entry["fields"] = a.Fields
		}
		if len(meta.Reasons) > 0 {
			entry["reasons"] = toAnySlice(meta.Reasons)
		}
		if len(meta.Indexes) > 0 {
			entry["indexes"] = toAnySlice(meta.Indexes)
		}
		if meta.Sync {
			entry["sync"] = true
		}
		entries = append(entries, entry)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	// Each visits newest first; goldens read better oldest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return map[string]any{
		"scenario": name,
		"records":  records,
		"log":      entries,
	}, nil
}

// fieldsMatch reports whether fields carries every expected value and
// none of the absent keys. Numbers compare by value across int widths.
func fieldsMatch(fields, expect map[string]any, absent []string) bool {
	for k, want := range expect {
		got, ok := fields[k]
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	for _, k := range absent {
		if _, ok := fields[k]; ok {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		return ok && na == nb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
