// Package action defines the log action and meta model shared by every
// other package: typed map actions (create/change/delete and their
// confirmed counterparts), protocol actions (subscribe, processed, undo),
// action identifiers, and the logical clock comparator that decides
// causal precedence between them.
package action

import "strings"

// Protocol action types. These mirror the wire protocol and are never
// scoped to a record type.
const (
	TypeSubscribe   = "logux/subscribe"
	TypeUnsubscribe = "logux/unsubscribe"
	TypeProcessed   = "logux/processed"
	TypeUndo        = "logux/undo"
)

// Map action verbs. A full map action type is "<plural>/<verb>",
// e.g. "users/change". The plain verbs (create, change, delete) express
// local intent that still needs server confirmation; the past-tense
// verbs (created, changed, deleted) are confirmed facts.
const (
	VerbCreate  = "create"
	VerbCreated = "created"
	VerbChange  = "change"
	VerbChanged = "changed"
	VerbDelete  = "delete"
	VerbDeleted = "deleted"
)

// Action is a single intended or confirmed state change.
//
// The same struct carries every action shape; unused fields stay zero.
// For map actions ID is the record ID. For processed/undo actions ID is
// the meta ID of the action being confirmed or rejected.
type Action struct {
	Type string `json:"type"`

	// ID is the record ID for map actions, or the target action ID for
	// processed/undo actions.
	ID string `json:"id,omitempty"`

	// Fields holds the field values for create/created/change/changed.
	Fields map[string]any `json:"fields,omitempty"`

	// Channel is set on subscribe/unsubscribe actions.
	Channel string `json:"channel,omitempty"`

	// Creating marks a subscribe issued for a record that was just
	// created locally, so the server does not treat the missing record
	// as an error.
	Creating bool `json:"creating,omitempty"`

	// Reason carries the rejection reason on undo actions,
	// e.g. "notFound" or "denied".
	Reason string `json:"reason,omitempty"`
}

// MapType builds a full action type for a record type and verb.
func MapType(plural, verb string) string {
	return plural + "/" + verb
}

// SplitType splits a map action type into its record type and verb.
// ok is false for protocol actions and types without a verb suffix.
func SplitType(typ string) (plural, verb string, ok bool) {
	i := strings.LastIndexByte(typ, '/')
	if i < 0 {
		return "", "", false
	}
	plural, verb = typ[:i], typ[i+1:]
	switch verb {
	case VerbCreate, VerbCreated, VerbChange, VerbChanged, VerbDelete, VerbDeleted:
		return plural, verb, true
	}
	return "", "", false
}

// IsConstructive reports whether the verb carries field values that
// build up record state during replay.
func IsConstructive(verb string) bool {
	switch verb {
	case VerbCreate, VerbCreated, VerbChange, VerbChanged:
		return true
	}
	return false
}

// IsDeletion reports whether the verb removes the record.
func IsDeletion(verb string) bool {
	return verb == VerbDelete || verb == VerbDeleted
}

// Subscribe builds a logux/subscribe action for a channel.
func Subscribe(channel string, creating bool) Action {
	return Action{Type: TypeSubscribe, Channel: channel, Creating: creating}
}

// Unsubscribe builds a logux/unsubscribe action for a channel.
func Unsubscribe(channel string) Action {
	return Action{Type: TypeUnsubscribe, Channel: channel}
}

// Processed builds the confirmation action for the given action ID.
func Processed(id ID) Action {
	return Action{Type: TypeProcessed, ID: string(id)}
}

// Undo builds the rejection action for the given action ID.
func Undo(id ID, reason string) Action {
	return Action{Type: TypeUndo, ID: string(id), Reason: reason}
}

// Indexes returns the index tags every map action for a record carries:
// the record type itself and "<plural>/<id>".
func Indexes(plural, id string) []string {
	return []string{plural, plural + "/" + id}
}
