package proctitle

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreArgv(t *testing.T) {
	t.Helper()
	orig := os.Args[0]
	t.Cleanup(func() { os.Args[0] = orig })
}

func TestSetRewritesArgv(t *testing.T) {
	restoreArgv(t)

	require.NoError(t, Set("croft-test"))
	assert.Equal(t, "croft-test", os.Args[0])
}

func TestSetKeepsFullNameInArgv(t *testing.T) {
	restoreArgv(t)

	// Longer than the kernel's 15-byte comm limit; only the comm form
	// is truncated, argv carries the whole name.
	long := "a-very-long-process-title"
	require.NoError(t, Set(long))
	assert.Equal(t, long, os.Args[0])
}

func TestSetRejectsEmptyName(t *testing.T) {
	restoreArgv(t)
	assert.Error(t, Set(""))
}
