package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the definitions compiled from a set of CUE files.
type LoadResult struct {
	Defs      []Def
	FileCount int
}

// LoadFiles compiles map type definitions from the given CUE files.
// Every file contributes the definitions under its top-level "mapType"
// struct. Duplicate plurals across files are an error.
func LoadFiles(files []string, mode LoadMode) (*LoadResult, []error) {
	if len(files) == 0 {
		return nil, []error{fmt.Errorf("no definition files given")}
	}

	ctx := cuecontext.New()
	result := &LoadResult{}
	seen := make(map[string]string)
	var errs []error

	fail := func(err error) bool {
		errs = append(errs, err)
		return mode == LoadModeFailFast
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			if fail(fmt.Errorf("read %s: %w", path, err)) {
				return result, errs
			}
			continue
		}
		result.FileCount++

		value := ctx.CompileBytes(data, cue.Filename(path))
		if err := value.Err(); err != nil {
			if fail(formatCUEError(err)) {
				return result, errs
			}
			continue
		}

		defsVal := value.LookupPath(cue.ParsePath("mapType"))
		if !defsVal.Exists() {
			if fail(fmt.Errorf("%s: no mapType definitions found", path)) {
				return result, errs
			}
			continue
		}

		iter, err := defsVal.Fields()
		if err != nil {
			if fail(formatCUEError(err)) {
				return result, errs
			}
			continue
		}
		for iter.Next() {
			def, err := CompileDef(iter.Value())
			if err != nil {
				if fail(err) {
					return result, errs
				}
				continue
			}
			if prev, dup := seen[def.Plural]; dup {
				if fail(fmt.Errorf("%s: duplicate definition of %q (first in %s)", path, def.Plural, prev)) {
					return result, errs
				}
				continue
			}
			seen[def.Plural] = path
			result.Defs = append(result.Defs, *def)
		}
	}

	if len(result.Defs) == 0 && len(errs) == 0 {
		errs = append(errs, fmt.Errorf("no definitions found"))
	}
	return result, errs
}
