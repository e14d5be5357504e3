package msg

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/endorses/oapxray/internal/pkg/oap/oaptest"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	h := oaptest.NewHandshake(t, "r1")

	req := Describe(h.Request(t))
	assert.Equal(t, "handshake_request", req.Kind)
	assert.Equal(t, "r1", req.CorrelationID)
	assert.Nil(t, req.Header)

	res := Describe(h.Response(t))
	assert.Equal(t, "handshake_response", res.Kind)
	assert.Equal(t, "r1", res.CorrelationID)

	c := Describe(oaptest.Seal(t, "hello", h.Keys(t).InitiatorToResponder))
	assert.Equal(t, "encrypted_container", c.Kind)
	require.NotNil(t, c.Header)
	assert.Equal(t, uint64(1), c.Header.Seq)
	assert.Equal(t, 24, c.IVBytes)
	assert.Equal(t, 16, c.TagBytes)

	assert.Equal(t, "unrecognized", Describe([]byte("hello")).Kind)
}

func TestDecrypt(t *testing.T) {
	h := oaptest.NewHandshake(t, "r1")
	keys := h.Keys(t)
	body := oaptest.Seal(t, `{"threadId":"r1"}`, keys.InitiatorToResponder)

	key, err := ParseSessionKey(hex.EncodeToString(keys.InitiatorToResponder[:]))
	require.NoError(t, err)
	pt, err := Decrypt(body, key)
	require.NoError(t, err)
	assert.Equal(t, `{"threadId":"r1"}`, string(pt))

	_, err = Decrypt(body, keys.ResponderToInitiator)
	assert.ErrorIs(t, err, primitives.ErrAuthenticationFailed)

	_, err = Decrypt([]byte("nope"), key)
	assert.Error(t, err)
}

func TestParseSessionKey(t *testing.T) {
	_, err := ParseSessionKey("zz")
	assert.Error(t, err)
	_, err = ParseSessionKey("abcd")
	assert.ErrorContains(t, err, "want 32 bytes")
}

func TestReadArg(t *testing.T) {
	b, err := readArg("literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", string(b))

	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0600))
	b, err = readArg("@" + path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))

	_, err = readArg("@" + filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
