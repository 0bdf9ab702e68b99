package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })

	dir := t.TempDir()
	var console bytes.Buffer

	path, err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 3, Console: &console})
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.Contains(t, console.String(), "logger initialized")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"app":"seerlink"`)
}

func TestPruneLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"seerlink_2026-01-01.log",
		"seerlink_2026-01-03.log",
		"seerlink_2026-01-02.log",
		"notes.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	removed := PruneLogs(dir, 2)
	assert.Equal(t, []string{filepath.Join(dir, "seerlink_2026-01-01.log")}, removed)
	assert.FileExists(t, filepath.Join(dir, "notes.log"))
	assert.FileExists(t, filepath.Join(dir, "seerlink_2026-01-03.log"))

	assert.Nil(t, PruneLogs(dir, 0))
}

func TestGetHostInfo(t *testing.T) {
	info := GetHostInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUs)
}

func TestGetProcessUsage(t *testing.T) {
	usage, err := GetProcessUsage(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), usage.PID)
	assert.Positive(t, usage.Goroutines)
	assert.Equal(t, "1m0s", usage.Uptime)
}
