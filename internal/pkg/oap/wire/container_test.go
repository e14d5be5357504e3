package wire

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContainer(t *testing.T) *Container {
	t.Helper()
	c, err := NewContainer(
		Header{Alg: AlgDirect, Enc: EncXChaCha, Kid: "0011", Seq: 3, Typ: TypeContainer},
		bytes.Repeat([]byte{1}, NonceSize),
		[]byte("ciphertext-bytes"),
		bytes.Repeat([]byte{2}, TagSize),
	)
	require.NoError(t, err)
	return c
}

func TestContainer_JSONRoundTrip(t *testing.T) {
	c := testContainer(t)

	data, err := json.Marshal(c)
	require.NoError(t, err)

	parsed, err := ParseContainer(data)
	require.NoError(t, err)
	assert.Equal(t, c.RawProtected, parsed.RawProtected)
	assert.Equal(t, c.Header, parsed.Header)
	assert.Equal(t, c.IV, parsed.IV)
	assert.Equal(t, c.Ciphertext, parsed.Ciphertext)
	assert.Equal(t, c.Tag, parsed.Tag)
}

func TestContainer_CompactForms(t *testing.T) {
	c := testContainer(t)
	compact := c.Compact()
	assert.Equal(t, 4, strings.Count(compact, "."))

	t.Run("bare", func(t *testing.T) {
		parsed, err := ParseContainer([]byte(compact))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), parsed.Header.Seq)
		assert.Equal(t, "0011", parsed.Header.Kid)
	})

	t.Run("json string", func(t *testing.T) {
		quoted, err := json.Marshal(compact)
		require.NoError(t, err)
		parsed, err := ParseContainer(quoted)
		require.NoError(t, err)
		assert.Equal(t, c.Ciphertext, parsed.Ciphertext)
	})
}

func TestContainer_AADIsProtectedEncoding(t *testing.T) {
	c := testContainer(t)
	assert.Equal(t, []byte(c.RawProtected), c.AAD())
}

func TestContainer_PaddedSegmentsAccepted(t *testing.T) {
	c := testContainer(t)
	padded := strings.Replace(c.Compact(), ".", "==.", 1)
	parsed, err := ParseContainer([]byte(padded))
	require.NoError(t, err)
	assert.Equal(t, c.Header, parsed.Header)
}

func TestParseContainer_Rejects(t *testing.T) {
	good := testContainer(t)
	goodIV := b64.EncodeToString(good.IV)
	goodTag := b64.EncodeToString(good.Tag)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"handshake request", requestBody},
		{"plain text", "hello world"},
		{"four compact parts", "a.b.c.d"},
		{"bad header", "bm90LWpzb24..AAAA.AAAA." + goodTag},
		{"short iv", good.RawProtected + "..AAAA.AAAA." + goodTag},
		{"short tag", good.RawProtected + ".." + goodIV + ".AAAA.AAAA"},
		{"missing tag json", `{"protected":"` + good.RawProtected + `","iv":"` + goodIV + `","ciphertext":""}`},
		{"missing ciphertext json", `{"protected":"` + good.RawProtected + `","iv":"` + goodIV + `","tag":"` + goodTag + `"}`},
		{"header without enc", b64.EncodeToString([]byte(`{"alg":"dir"}`)) + ".." + goodIV + ".AAAA." + goodTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseContainer([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedContainer)
		})
	}
}
