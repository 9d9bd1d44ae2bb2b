package action

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies one log entry. The rendered form is
// "<time> <nodeID> <counter>", where time is the creation timestamp in
// milliseconds, nodeID identifies the client that produced the action,
// and counter disambiguates actions created within the same millisecond
// on the same node. The three parts give a total order over IDs that is
// consistent across clients without coordination.
type ID string

// Parts splits an ID into its time, node and counter components.
// An ID that does not parse reports ok == false; callers treat such IDs
// as a log inconsistency.
func (id ID) Parts() (time int64, node string, counter int64, ok bool) {
	parts := strings.SplitN(string(id), " ", 3)
	if len(parts) != 3 {
		return 0, "", 0, false
	}
	time, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", 0, false
	}
	counter, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, "", 0, false
	}
	return time, parts[1], counter, true
}

// Node returns the node component of the ID, or "" if the ID is malformed.
func (id ID) Node() string {
	_, node, _, _ := id.Parts()
	return node
}

// MakeID renders an ID from its components.
func MakeID(time int64, node string, counter int64) ID {
	return ID(fmt.Sprintf("%d %s %d", time, node, counter))
}

// Meta is the log envelope for one action.
//
// A meta is immutable once the action is in the log, with one exception:
// Reasons may be replaced or cleared through the log's ChangeMeta and
// RemoveReason operations. An entry stays in the log while Reasons is
// non-empty.
type Meta struct {
	// ID is the entry's unique, causally placed identifier.
	ID ID

	// Time is the action creation timestamp in milliseconds. It usually
	// equals the time component of ID, but a client may shift it to
	// compensate for clock skew, so ID remains the tie-break authority.
	Time int64

	// Added is the position in the local log, assigned on append.
	// Zero until the entry is stored.
	Added uint64

	// Reasons lists retention tags. The entry is kept while non-empty.
	Reasons []string

	// Indexes lists lookup tags for indexed iteration.
	Indexes []string

	// Sync marks actions that must be sent to the server.
	Sync bool
}

// HasReason reports whether the meta carries the given retention tag.
func (m *Meta) HasReason(reason string) bool {
	for _, r := range m.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// HasIndex reports whether the meta carries the given index tag.
func (m *Meta) HasIndex(index string) bool {
	for _, i := range m.Indexes {
		if i == index {
			return true
		}
	}
	return false
}

// AddReason appends a retention tag unless it is already present.
func (m *Meta) AddReason(reason string) {
	if !m.HasReason(reason) {
		m.Reasons = append(m.Reasons, reason)
	}
}

// Clone returns a deep copy of the meta. Stores hand out clones so
// callers cannot mutate stored state behind the log's back.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	c := *m
	c.Reasons = append([]string(nil), m.Reasons...)
	c.Indexes = append([]string(nil), m.Indexes...)
	return &c
}
