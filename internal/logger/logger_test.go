package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledDiscards(t *testing.T) {
	require.NoError(t, Init(Options{Enabled: false}))
	// Nothing to observe; just make sure the helpers don't panic.
	Info("discarded", "k", 1)
	Error("discarded")
}

func TestInit_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Output: &buf, JSON: true, Level: slog.LevelDebug}))
	t.Cleanup(func() { _ = Init(Options{}) })

	With("alloc").Debug("slab grown", "slab", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "slab grown", rec["msg"])
	assert.Equal(t, "alloc", rec["component"])
	assert.EqualValues(t, 3, rec["slab"])
}

func TestInit_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Output: &buf, Level: slog.LevelWarn}))
	t.Cleanup(func() { _ = Init(Options{}) })

	Info("hidden")
	Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInit_LogDirAndRetention(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -90).Format("2006-01-02")+logSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	require.NoError(t, Init(Options{Enabled: true, LogDir: dir}))
	t.Cleanup(func() { _ = Init(Options{}) })
	Info("hello")

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale log should be removed")

	today := filepath.Join(dir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	_, err = os.Stat(today)
	assert.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestInit_CustomRetention(t *testing.T) {
	dir := t.TempDir()
	day := func(ago int) string {
		return filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -ago).Format(dateLayout)+logSuffix)
	}
	require.NoError(t, os.WriteFile(day(3), nil, 0o644))
	require.NoError(t, os.WriteFile(day(10), nil, 0o644))
	unrelated := filepath.Join(dir, "notes.log")
	require.NoError(t, os.WriteFile(unrelated, nil, 0o644))

	require.NoError(t, Init(Options{Enabled: true, LogDir: dir, Retention: 7 * 24 * time.Hour}))
	t.Cleanup(func() { _ = Init(Options{}) })

	assert.FileExists(t, day(3))
	assert.NoFileExists(t, day(10))
	assert.FileExists(t, unrelated)
}
