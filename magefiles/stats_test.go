//go:build mage

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentOf(t *testing.T) {
	for path, want := range map[string]string{
		"internal/sqlite/actionlog.go":         "internal/sqlite",
		"internal/remote/remotetest/server.go": "internal/remote",
		"pkg/types/value_test.go":              "pkg/types",
		"cmd/horus/main.go":                    "cmd/horus",
		"magefiles/stats.go":                   "magefiles",
		"doc.go":                               "root",
	} {
		assert.Equal(t, want, componentOf(path), path)
	}
}

func TestSkipStatsDir(t *testing.T) {
	assert.True(t, skipStatsDir(binaryDir, binaryDir))
	assert.True(t, skipStatsDir("_examples", "_examples"))
	assert.True(t, skipStatsDir(".git", ".git"))
	assert.True(t, skipStatsDir("internal/x/testdata", "testdata"))
	assert.False(t, skipStatsDir("internal", "internal"))
}

func TestComponentStats_Add(t *testing.T) {
	dir := t.TempDir()
	prod := filepath.Join(dir, "a.go")
	test := filepath.Join(dir, "a_test.go")
	require.NoError(t, os.WriteFile(prod, []byte("package a\n\nfunc A() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(test, []byte("package a\n\nfunc TestA(t *testing.T) {}\nfunc helper() {}\n"), 0o644))

	var c componentStats
	require.NoError(t, c.add(prod))
	require.NoError(t, c.add(test))
	assert.Equal(t, componentStats{Files: 2, Prod: 3, Test: 4, Tests: 1}, c)
}
