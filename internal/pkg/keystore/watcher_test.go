package keystore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.txt")
	a, b := testSecret(t), testSecret(t)
	require.NoError(t, os.WriteFile(path, []byte(a+" alice\n"), 0600))

	var calls atomic.Int32
	s := New(Config{})
	w := NewWatcher(path, s, func(int) { calls.Add(1) })

	added, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = w.Reload()
	require.NoError(t, err)
	assert.Equal(t, 0, added, "known secrets are not counted")

	require.NoError(t, os.WriteFile(path, []byte(a+"\n# comment\n"+b+"\nnot-a-key\n"), 0600))
	added, err = w.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestWatcher_ReloadMissingFile(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.txt"), New(Config{}), nil)
	_, err := w.Reload()
	assert.Error(t, err)
}

func TestWatcher_PicksUpNewSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.txt")
	s := New(Config{})
	added := make(chan int, 4)
	w := NewWatcher(path, s, func(n int) { added <- n })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(testSecret(t)+"\n"), 0600))

	select {
	case n := <-added:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the secrets file")
	}
	assert.Equal(t, 1, s.Len())
}

func testSecret(t *testing.T) string {
	t.Helper()
	priv, _ := genSecret(t)
	return priv.Hex()
}
