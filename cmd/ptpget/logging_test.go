package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/ptpusb/pkg"
)

// keepLogger restores the transport logger after a test replaces it.
func keepLogger(t *testing.T) {
	t.Helper()
	logger, level := pkg.Logger(), pkg.GetLogLevel()
	t.Cleanup(func() {
		pkg.SetLogger(logger)
		pkg.SetLogLevel(level)
	})
}

func TestConfigureLoggingFile(t *testing.T) {
	keepLogger(t)

	path := filepath.Join(t.TempDir(), "ptpget.log")
	var console bytes.Buffer
	closer, err := configureLogging(logConfig{Level: "info", File: path, JSON: true, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	pkg.LogDebug(pkg.ComponentSession, "hidden")
	pkg.LogInfo(pkg.ComponentSession, "camera connected", "vendor", "0x04a9")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "camera connected", rec["msg"])
	assert.Equal(t, "session", rec["component"])
	assert.Equal(t, "0x04a9", rec["vendor"])

	assert.Contains(t, console.String(), "camera connected")
	assert.NotContains(t, console.String(), "hidden")
}

func TestConfigureLoggingConsole(t *testing.T) {
	keepLogger(t)

	var console bytes.Buffer
	closer, err := configureLogging(logConfig{Level: "warn"}, &console)
	require.NoError(t, err)
	defer closer.Close()

	pkg.LogInfo(pkg.ComponentHAL, "quiet")
	pkg.Logger().With("attempt", 2).Warn("read retry")
	assert.NotContains(t, console.String(), "quiet")
	assert.Contains(t, console.String(), "read retry")
}

func TestConfigureLoggingBadLevel(t *testing.T) {
	keepLogger(t)

	_, err := configureLogging(logConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
