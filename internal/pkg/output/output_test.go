package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalJSONPretty(t *testing.T) {
	v := map[string]any{"id": 7, "kind": "request"}

	compact, err := MarshalJSONPretty(v, false)
	require.NoError(t, err)
	assert.Equal(t, `{"id":7,"kind":"request"}`, string(compact))

	pretty, err := MarshalJSONPretty(v, true)
	require.NoError(t, err)
	assert.Contains(t, string(pretty), "\n  \"id\": 7")
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "METHOD", "URL")
	tbl.Append("1", "POST", "http://peer/inbox")
	tbl.Append("2", "GET", "http://peer/health")
	tbl.Render()

	out := buf.String()
	assert.Contains(t, out, "METHOD")
	assert.Contains(t, out, "http://peer/inbox")
	assert.Contains(t, out, "http://peer/health")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trun…"},
		{"x", 0, "x"},
		{"ab", 1, "…"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.n))
		})
	}
}

func TestHumanHelpers(t *testing.T) {
	assert.Equal(t, "-", HumanTime(time.Time{}))
	assert.Contains(t, HumanTime(time.Now().Add(-2*time.Hour)), "ago")
	assert.Equal(t, "1.0 kB", HumanBytes(1000))
	assert.Equal(t, "0 B", HumanBytes(-5))
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, map[string]int{"n": 1}))
	assert.Contains(t, buf.String(), `"n"`)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))

	assert.Error(t, WriteJSON(&buf, make(chan int)))
}
