package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"none", SILENT, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(INFO, &buf)

	l.Info("Sequencer", "persisted chunk %d", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Sequencer", entry["component"])
	assert.Equal(t, "persisted chunk 3", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(WARN, &buf)

	l.Debug("Upload", "hidden")
	l.Info("Upload", "hidden")
	l.Warn("Upload", "shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")

	l.SetLevel(SILENT)
	buf.Reset()
	l.Error("Upload", "hidden")
	assert.Empty(t, buf.String())
	assert.Equal(t, SILENT, l.GetLevel())
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(DEBUG, &buf)

	zl := l.WithComponent("Registry")
	zl.Info().Str("track", "t1").Msg("track added")

	assert.Contains(t, buf.String(), `"component":"Registry"`)
	assert.Contains(t, buf.String(), `"track":"t1"`)
}

func TestGlobalLoggerAfterInitWith(t *testing.T) {
	var buf bytes.Buffer
	InitWith(NewJSON(DEBUG, &buf))

	Info("Main", "listening on %s", ":8080")
	zl := WithComponent("Config")
	zl.Debug().Str("key", "LOG_LEVEL").Msg("using environment variable")

	assert.Contains(t, buf.String(), `"message":"listening on :8080"`)
	assert.Contains(t, buf.String(), `"component":"Config"`)
}
