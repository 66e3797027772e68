package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "decision"))

	log.Debug("hidden")
	log.Info("resolved",
		String("popup", "p1"),
		Int("count", 2),
		Bool("persisted", true),
		Duration("took", 1500*time.Millisecond),
		Err(errors.New("boom")),
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "resolved", line["message"])
	assert.Equal(t, "decision", line["comp"])
	assert.Equal(t, "p1", line["popup"])
	assert.EqualValues(t, 2, line["count"])
	assert.Equal(t, true, line["persisted"])
	assert.Equal(t, "boom", line["err"])
	assert.Contains(t, line["caller"], "logging_test.go:")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	assert.NotPanics(t, func() { log.With(String("k", "v")).Error("nothing") })
	assert.False(t, Nop().IsZero())
}

func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})

	log.Info("dropped")
	log.Warn("kept")
	assert.False(t, log.Enabled(LevelInfo))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	assert.True(t, log.Enabled(LevelDebug))
	log.Debug("now visible")
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "dropped")
	assert.Contains(t, string(raw), "kept")
	assert.Contains(t, string(raw), "now visible")
}

func TestConsoleLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newConsole(&buf, "warn").With(String("comp", "storage"))

	assert.False(t, log.Enabled(LevelInfo))
	log.Info("quiet")
	log.Warn("journal rollback failed", Err(errors.New("disk full")))

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "journal rollback failed")
	assert.Contains(t, out, "disk full")
	assert.Contains(t, out, "storage")
	assert.False(t, NewConsole("warn").IsZero())
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warning", "error", "trace"} {
		assert.True(t, ValidLevel(lvl), lvl)
	}
	assert.False(t, ValidLevel("loud"))
}
