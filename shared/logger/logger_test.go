package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level    string
		wantMsgs []string
	}{
		{level: "debug", wantMsgs: []string{"pulling", "claimed", "lease lost", "publish failed"}},
		{level: "info", wantMsgs: []string{"claimed", "lease lost", "publish failed"}},
		{level: "warn", wantMsgs: []string{"lease lost", "publish failed"}},
		{level: "error", wantMsgs: []string{"publish failed"}},
		{level: "", wantMsgs: []string{"claimed", "lease lost", "publish failed"}},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			out := &bytes.Buffer{}
			l, err := New(&Config{Level: tt.level, Format: "json", writer: out})
			require.NoError(t, err)

			l.Debug("pulling")
			l.Info("claimed", slog.String("job_id", "job-1"))
			l.Warn("lease lost")
			l.Error("publish failed", slog.Int("status", 502))

			var msgs []string
			for _, e := range decodeLines(t, out) {
				msgs = append(msgs, e["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, msgs)
		})
	}
}

func TestNew_JSONAttributes(t *testing.T) {
	out := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: out})
	require.NoError(t, err)

	l.Info("job completed",
		slog.String("job_id", "job-1"),
		slog.Int64("execution_ms", 1250),
		slog.Bool("pushed", true),
	)

	entries := decodeLines(t, out)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "job-1", e["job_id"])
	assert.Equal(t, float64(1250), e["execution_ms"])
	assert.Equal(t, true, e["pushed"])
	assert.Contains(t, e, "time")

	source, ok := e["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_ConsoleFormat(t *testing.T) {
	out := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "console", writer: out})
	require.NoError(t, err)

	l.Info("brain started", slog.String("backend", "memory"))

	// tint abbreviates levels
	assert.Contains(t, out.String(), "INF")
	assert.Contains(t, out.String(), "brain started")
	assert.Contains(t, out.String(), "backend=memory")
}

func TestNew_ConsoleColorOnlyOnTerminals(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		config func() *Config
		read   func(t *testing.T, l *Logger, buf *bytes.Buffer) string
	}{
		{
			name:   "buffer",
			config: func() *Config { return &Config{Format: "console"} },
		},
		{
			name:   "log file",
			config: func() *Config { return &Config{Format: "console", Output: filepath.Join(dir, "brain.log")} },
			read: func(t *testing.T, l *Logger, _ *bytes.Buffer) string {
				require.NoError(t, l.Close())
				data, err := os.ReadFile(filepath.Join(dir, "brain.log"))
				require.NoError(t, err)
				return string(data)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			cfg := tt.config()
			if cfg.Output == "" {
				cfg.writer = buf
			}
			l, err := New(cfg)
			require.NoError(t, err)

			l.Warn("queue backlog", slog.Int("depth", 12))

			got := buf.String()
			if tt.read != nil {
				got = tt.read(t, l, buf)
			}
			assert.Contains(t, got, "WRN queue backlog")
			assert.NotContains(t, got, "\x1b[")
		})
	}

	assert.False(t, isTerminal(&bytes.Buffer{}))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"DEBUG":   slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "brain.log")

	l, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.Info("written to file", slog.String("worker_id", "w1"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var e map[string]any
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "written to file", e["msg"])
	assert.Equal(t, "w1", e["worker_id"])
}

func TestLogger_Component(t *testing.T) {
	out := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "json", writer: out})
	require.NoError(t, err)

	l.Component("claim").Info("tagged")
	l.Component("dispatch").With(slog.String("worker_id", "w1")).Warn("push refused")

	entries := decodeLines(t, out)
	require.Len(t, entries, 2)
	assert.Equal(t, "claim", entries[0]["component"])
	assert.Equal(t, "dispatch", entries[1]["component"])
	assert.Equal(t, "w1", entries[1]["worker_id"])
}
