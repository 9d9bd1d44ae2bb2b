package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestRun_OfflineLifecycle(t *testing.T) {
	scenario := &Scenario{
		Name:        "offline-lifecycle",
		Description: "confirmed facts merge per field and replace older retention",
		Types:       []TypeDef{{Plural: "notes", Offline: true}},
		Steps: []Step{
			{Op: OpBuild, Plural: "notes", ID: "1", Fields: map[string]any{"text": "first", "author": "me"}},
			{Op: OpChange, Plural: "notes", ID: "1", Fields: map[string]any{"text": "second"}},
			{Op: OpApply, Plural: "notes", ID: "1", Verb: "changed",
				Fields: map[string]any{"pinned": true}, Time: 2000, Node: "remote"},
		},
		Assertions: []Assertion{
			{Type: AssertFields, Plural: "notes", ID: "1",
				Expect: map[string]any{"text": "second", "author": "me", "pinned": true}},
			{Type: AssertState, Plural: "notes", ID: "1", State: "loaded"},
			{Type: AssertReasons, Reason: "notes/1/text", Count: intPtr(1)},
			{Type: AssertReasons, Reason: "notes/1/author", Count: intPtr(1)},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RemoteRejectionRollsBack(t *testing.T) {
	scenario := &Scenario{
		Name:        "remote-rejection",
		Description: "a rejected change reverts to the last confirmed value",
		Node:        "10:alice",
		Types:       []TypeDef{{Plural: "profiles", Remote: true}},
		Steps: []Step{
			{Op: OpBuild, Plural: "profiles", ID: "p1", Fields: map[string]any{"bio": "hello"}},
			{Op: OpProcessed, Of: intPtr(0)},
			{Op: OpChange, Plural: "profiles", ID: "p1", Fields: map[string]any{"bio": "updated"}},
			{Op: OpUndo, Of: intPtr(2), Reason: "denied"},
		},
		Assertions: []Assertion{
			{Type: AssertFields, Plural: "profiles", ID: "p1", Expect: map[string]any{"bio": "hello"}},
			{Type: AssertState, Plural: "profiles", ID: "p1", State: "loaded"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_UndoOnFreshFieldUnsets(t *testing.T) {
	scenario := &Scenario{
		Name:        "undo-unsets",
		Description: "rejecting the only write to a field unsets it",
		Types:       []TypeDef{{Plural: "profiles", Remote: true}},
		Steps: []Step{
			{Op: OpBuild, Plural: "profiles", ID: "p1", Fields: map[string]any{"bio": "hello"}},
			{Op: OpChange, Plural: "profiles", ID: "p1", Fields: map[string]any{"avatar": "cat.png"}},
			{Op: OpUndo, Of: intPtr(1), Reason: "denied"},
		},
		Assertions: []Assertion{
			{Type: AssertFields, Plural: "profiles", ID: "p1",
				Expect: map[string]any{"bio": "hello"}, Absent: []string{"avatar"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_OfflineReplayAfterRelease(t *testing.T) {
	scenario := &Scenario{
		Name:        "offline-replay",
		Description: "an offline record reloads its state from the log after release",
		Types:       []TypeDef{{Plural: "notes", Offline: true}},
		Steps: []Step{
			{Op: OpBuild, Plural: "notes", ID: "9", Fields: map[string]any{"text": "kept"}},
			{Op: OpRelease, Plural: "notes", ID: "9"},
			{Op: OpInstantiate, Plural: "notes", ID: "9"},
		},
		Assertions: []Assertion{
			{Type: AssertFields, Plural: "notes", ID: "9", Expect: map[string]any{"text": "kept"}},
			{Type: AssertState, Plural: "notes", ID: "9", State: "loaded"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_DeletedRecordNotFound(t *testing.T) {
	scenario := &Scenario{
		Name:        "deleted-not-found",
		Description: "a deleted offline record fails to load",
		Types:       []TypeDef{{Plural: "notes", Offline: true}},
		Steps: []Step{
			{Op: OpBuild, Plural: "notes", ID: "9", Fields: map[string]any{"text": "gone"}},
			{Op: OpDelete, Plural: "notes", ID: "9"},
			{Op: OpRelease, Plural: "notes", ID: "9"},
			{Op: OpInstantiate, Plural: "notes", ID: "9"},
		},
		Assertions: []Assertion{
			{Type: AssertState, Plural: "notes", ID: "9", State: "failed"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_FailedAssertionReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong-expectation",
		Description: "a wrong expectation fails the scenario",
		Types:       []TypeDef{{Plural: "notes", Offline: true}},
		Steps: []Step{
			{Op: OpBuild, Plural: "notes", ID: "1", Fields: map[string]any{"text": "actual"}},
		},
		Assertions: []Assertion{
			{Type: AssertEntries, Count: intPtr(42)},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "want 42")
}
