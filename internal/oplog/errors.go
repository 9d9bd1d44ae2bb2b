package oplog

import (
	"fmt"

	"github.com/AleksandrSl/client/internal/action"
)

// InconsistencyError reports a violated log invariant: a stored payload
// that does not decode, an index pointing at a missing entry, and the
// like. It marks a defect in a store or in the engine itself, so it is
// returned loudly instead of being swallowed or retried.
type InconsistencyError struct {
	Op  string
	ID  action.ID
	Err error
}

func (e *InconsistencyError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("log inconsistency during %s at %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("log inconsistency during %s: %v", e.Op, e.Err)
}

func (e *InconsistencyError) Unwrap() error {
	return e.Err
}
