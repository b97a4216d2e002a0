package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileOutputUsesECSKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New(Config{Level: "debug", Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)
	log.Debug("hello")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "debug", line["log.level"])
	require.Contains(t, line, "@timestamp")
}

func TestFileOutputRequiresPath(t *testing.T) {
	_, err := New(Config{Output: "file"})
	require.Error(t, err)
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New(Config{Level: "chatty", Output: "file", FilePath: path})
	require.NoError(t, err)
	log.Debug("dropped")
	log.Info("kept")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "dropped")
	require.Contains(t, string(raw), "kept")
}
