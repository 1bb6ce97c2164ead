package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRunning_DetectsLiveProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "parley.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

	assert.True(t, isRunning(pidFile), "the test process itself is certainly alive")
}

func TestIsRunning_MissingOrInvalidPIDFile(t *testing.T) {
	dir := t.TempDir()

	assert.False(t, isRunning(filepath.Join(dir, "absent.pid")))

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pid"), 0644))
	assert.False(t, isRunning(garbage))
}

func TestWritePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "parley.pid")
	require.NoError(t, writePIDFile(pidFile))

	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
