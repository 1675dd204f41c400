package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLineHandlerSimple(t *testing.T) {
	var sb strings.Builder
	h := &lineHandler{
		handler: slog.NewTextHandler(&sb, nil),
		writer:  &sb,
	}

	rec := slog.NewRecord(time.Now(), slog.LevelWarn, "deployment cooling down", 0)
	rec.AddAttrs(slog.String("model", "gpt-4o-mini"), slog.Int("attempt", 2))

	require.NoError(t, h.Handle(context.Background(), rec))
	out := sb.String()
	assert.Equal(t, "WARN deployment cooling down model=gpt-4o-mini attempt=2\n", out)
}

func TestLineHandlerVerboseIncludesTime(t *testing.T) {
	var sb strings.Builder
	h := &lineHandler{
		handler:  slog.NewTextHandler(&sb, nil),
		writer:   &sb,
		withTime: true,
	}

	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	rec := slog.NewRecord(ts, slog.LevelInfo, "batch done", 0)

	require.NoError(t, h.Handle(context.Background(), rec))
	assert.Equal(t, "2025/03/14 09:26:53 INFO batch done\n", sb.String())
}
