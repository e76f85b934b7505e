package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(t *testing.T, buf *bytes.Buffer, level Level) *BaseLogger {
	t.Helper()
	l, err := New(&Config{Level: level, Format: JSONFormat, EnableConsole: true}, WithOutput(buf))
	require.NoError(t, err)
	return l
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "nil config uses default", config: nil},
		{name: "minimal config", config: &Config{Level: InfoLevel, Format: JSONFormat, EnableConsole: true}},
		{name: "file enabled without path", config: &Config{EnableFile: true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf, WarnLevel)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message", "node", 1)
	l.Error("error message")
	require.NoError(t, l.Sync())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn message", lines[0]["msg"])
	assert.Equal(t, float64(1), lines[0]["node"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestNamedAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf, DebugLevel)

	l.Named("router").WithFields("cluster", "c1").Info("envelope sent", "kind", "consensus")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "router", lines[0]["logger"])
	assert.Equal(t, "c1", lines[0]["cluster"])
	assert.Equal(t, "consensus", lines[0]["kind"])
}

func TestOddKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf, DebugLevel)

	l.Info("odd", "a", 1, "dangling")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "dangling", lines[0]["EXTRA_VALUE_AT_END"])
}

func TestHclogAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf, DebugLevel)

	h := NewHclog(l, "raft", WarnLevel)
	h.Info("suppressed")
	h.Warn("heartbeat timeout reached", "last-leader-addr", "node-1")
	h.Named("snapshot").Log(hclog.Error, "failed to persist")

	assert.False(t, h.IsDebug())
	assert.True(t, h.IsWarn())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "node-1", lines[0]["last-leader-addr"])
	assert.Equal(t, "raft.snapshot", lines[1]["logger"])
}

func TestNoop(t *testing.T) {
	var l Logger = NewNoop()
	l.Info("nothing")
	assert.Same(t, l, l.Named("x"))
	assert.NoError(t, l.Sync())
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf, DebugLevel)

	ctx := ContextWithFields(context.Background(), "scenario", "failover")
	ctx = ContextWithFields(ctx, "step", "isolate leader")
	l.InfoContext(ctx, "step done", "elapsed", "12ms")
	l.Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "failover", lines[0]["scenario"])
	assert.Equal(t, "isolate leader", lines[0]["step"])
	assert.Equal(t, "12ms", lines[0]["elapsed"])
	assert.NotContains(t, lines[1], "scenario")

	assert.Nil(t, DefaultContextExtractor(context.Background()))
}
