package logger

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentBuffer_Wraps(t *testing.T) {
	b := NewRecentBuffer(3)
	assert.Empty(t, b.Recent(0))

	for i := 0; i < 5; i++ {
		b.Add(Record{Message: fmt.Sprintf("m%d", i)})
	}
	assert.Equal(t, 3, b.Len())

	all := b.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "m2", all[0].Message)
	assert.Equal(t, "m4", all[2].Message)

	last := b.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "m3", last[0].Message)
	assert.Equal(t, "m4", last[1].Message)

	assert.Len(t, b.Recent(10), 3)
}

func TestTeeHandler(t *testing.T) {
	var out bytes.Buffer
	b := NewRecentBuffer(10)
	inner := slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelWarn})
	log := slog.New(&teeHandler{inner: inner, buffer: b})

	log.Debug("dropped everywhere")
	log.With("id", "r1").Info("Session keys derived", "side", "responder")
	log.WithGroup("proxy").Warn("Upstream failed", "status", 502)

	recs := b.Recent(0)
	require.Len(t, recs, 2)
	assert.Equal(t, "Session keys derived", recs[0].Message)
	assert.Equal(t, "INFO", recs[0].Level)
	assert.Equal(t, map[string]string{"id": "r1", "side": "responder"}, recs[0].Attrs)
	assert.Equal(t, "502", recs[1].Attrs["proxy.status"])

	// Info is buffered but stays below the inner handler's level.
	assert.NotContains(t, out.String(), "Session keys derived")
	assert.Contains(t, out.String(), "Upstream failed")
}

func TestCapture(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Configure(Options{Level: "error", Output: &out}))
	t.Cleanup(func() { _ = Configure(Options{}) })

	b := NewRecentBuffer(10)
	Capture(b)
	Info("Candidate secret added", "id", "abc")

	require.Equal(t, 1, b.Len())
	assert.Equal(t, "abc", b.Recent(1)[0].Attrs["id"])
	assert.Empty(t, out.String())
}
