package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCUE(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFiles(t *testing.T) {
	path := writeCUE(t, "types.cue", `
mapType: users: {
	remote: true
	fields: { name: string }
}
mapType: notes: {
	offline: true
}
`)

	result, errs := LoadFiles([]string{path}, LoadModeFailFast)
	require.Empty(t, errs)
	assert.Equal(t, 1, result.FileCount)
	require.Len(t, result.Defs, 2)

	byPlural := map[string]Def{}
	for _, d := range result.Defs {
		byPlural[d.Plural] = d
	}
	assert.True(t, byPlural["users"].Remote)
	assert.True(t, byPlural["notes"].Offline)
}

func TestLoadFiles_DuplicateAcrossFiles(t *testing.T) {
	first := writeCUE(t, "a.cue", `mapType: users: { remote: true }`)
	second := writeCUE(t, "b.cue", `mapType: users: { offline: true }`)

	_, errs := LoadFiles([]string{first, second}, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "duplicate definition")
}

func TestLoadFiles_CollectAll(t *testing.T) {
	bad := writeCUE(t, "bad.cue", `mapType: ghosts: { fields: { x: string } }`)
	good := writeCUE(t, "good.cue", `mapType: notes: { offline: true }`)
	missing := filepath.Join(t.TempDir(), "absent.cue")

	result, errs := LoadFiles([]string{bad, good, missing}, LoadModeCollectAll)
	assert.Len(t, errs, 2)
	require.Len(t, result.Defs, 1)
	assert.Equal(t, "notes", result.Defs[0].Plural)
}

func TestLoadFiles_FailFastStopsEarly(t *testing.T) {
	bad := writeCUE(t, "bad.cue", `mapType: ghosts: { fields: { x: string } }`)
	good := writeCUE(t, "good.cue", `mapType: notes: { offline: true }`)

	result, errs := LoadFiles([]string{bad, good}, LoadModeFailFast)
	assert.Len(t, errs, 1)
	assert.Empty(t, result.Defs)
}

func TestLoadFiles_NoMapType(t *testing.T) {
	path := writeCUE(t, "empty.cue", `something: else: true`)

	_, errs := LoadFiles([]string{path}, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no mapType definitions")
}

func TestLoadFiles_NoInput(t *testing.T) {
	_, errs := LoadFiles(nil, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no definition files")
}
