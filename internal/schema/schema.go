// Package schema loads map type definitions from CUE files. A
// definition names a record type (its plural), sets its remote/offline
// flags, and optionally constrains which fields records of that type
// may carry. Uses the CUE SDK's Go API directly (not CLI subprocess).
package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Def is one compiled map type definition.
type Def struct {
	// Plural is the record type name, e.g. "users".
	Plural string

	// Remote marks types whose changes go through server confirmation.
	Remote bool

	// Offline marks types whose state is replayable from the local log.
	Offline bool

	// Fields maps allowed field names to their declared types
	// ("string", "int", "bool", "number", "array", "object"). Empty
	// means the type is unconstrained.
	Fields map[string]string
}

// CompileDef parses a CUE value into a Def.
//
// The CUE value should be the definition struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`mapType: users: { remote: true }`)
//	def, err := CompileDef(v.LookupPath(cue.ParsePath("mapType.users")))
func CompileDef(v cue.Value) (*Def, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Def{}

	// The plural is the struct label (the path selector).
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.Plural = labels[len(labels)-1].String()
	}
	if def.Plural == "" {
		return nil, &CompileError{
			Field:   "plural",
			Message: "definition must be labeled with the record type name",
			Pos:     v.Pos(),
		}
	}

	var err error
	def.Remote, err = parseFlag(v, "remote")
	if err != nil {
		return nil, err
	}
	def.Offline, err = parseFlag(v, "offline")
	if err != nil {
		return nil, err
	}
	if !def.Remote && !def.Offline {
		return nil, &CompileError{
			Field:   "remote",
			Message: "at least one of remote or offline must be true",
			Pos:     v.Pos(),
		}
	}

	def.Fields, err = parseFields(v)
	if err != nil {
		return nil, err
	}

	return def, nil
}

// Allows reports whether the definition permits the given field name.
// Definitions without a fields block permit everything.
func (d *Def) Allows(field string) bool {
	if len(d.Fields) == 0 {
		return true
	}
	_, ok := d.Fields[field]
	return ok
}

func parseFlag(v cue.Value, name string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func parseFields(v cue.Value) (map[string]string, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, nil
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	fields := make(map[string]string)
	for iter.Next() {
		name := iter.Label()
		typ, err := extractTypeName(iter.Value())
		if err != nil {
			return nil, err
		}
		fields[name] = typ
	}
	return fields, nil
}

// extractTypeName converts a CUE type constraint to a type string.
func extractTypeName(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.FloatKind, cue.NumberKind:
		return "number", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
