package cmdutil

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/endorses/oapxray/internal/pkg/adminapi"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSizeString(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"10K", 10 * 1024, false},
		{"10M", 10 * 1024 * 1024, false},
		{"1g", 1024 * 1024 * 1024, false},
		{"", 0, true},
		{"M", 0, true},
		{"-1K", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSizeString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigFallbacks(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	assert.Equal(t, "flag", GetStringConfig("admin.url", "flag"))

	viper.Set("admin.url", "http://cfg")
	viper.Set("proxy.max_body_size", "2K")
	viper.Set("analyze.ports", []string{"80"})

	assert.Equal(t, "http://cfg", GetStringConfig("admin.url", ""))
	assert.Equal(t, []string{"80"}, GetStringSliceConfig("analyze.ports", nil))
	assert.Equal(t, []string{"9000"}, GetStringSliceConfig("analyze.ports", []string{"9000"}))

	n, err := GetSizeConfig("proxy.max_body_size", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), n)
	n, err = GetSizeConfig("unset.size", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitNotFoundError, ExitCodeFor(&adminapi.APIError{Status: http.StatusNotFound}))
	assert.Equal(t, ExitConflictError, ExitCodeFor(fmt.Errorf("wrapped: %w", &adminapi.APIError{Status: http.StatusConflict})))
	assert.Equal(t, ExitConnectionError, ExitCodeFor(&adminapi.APIError{Status: http.StatusBadGateway}))
	assert.Equal(t, ExitValidationError, ExitCodeFor(keystore.ErrInvalidSecret))
	assert.Equal(t, ExitNotFoundError, ExitCodeFor(trafficlog.ErrNotFound))
	assert.Equal(t, ExitGeneralError, ExitCodeFor(fmt.Errorf("boom")))
	assert.Equal(t, "FAILED_PRECONDITION", exitCodeName(ExitConflictError))
}

func TestLoadSecrets(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	keys := make([]primitives.PrivateKey, 3)
	for i := range keys {
		var err error
		keys[i], err = primitives.GenerateKey()
		require.NoError(t, err)
	}
	viper.Set("secrets", []string{keys[1].Multibase()})

	file := filepath.Join(t.TempDir(), "secrets.txt")
	content := "# bob's ephemeral\n" + keys[2].Hex() + " bob\nnot-a-key\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))

	store := keystore.New(keystore.Config{})
	require.NoError(t, LoadSecrets(store, []string{keys[0].Hex()}, file))
	assert.Equal(t, []string{keys[0].Hex(), keys[1].Multibase(), keys[2].Hex()}, store.Secrets())

	err := LoadSecrets(keystore.New(keystore.Config{}), []string{"garbage"}, "")
	assert.ErrorIs(t, err, keystore.ErrInvalidSecret)

	err = LoadSecrets(keystore.New(keystore.Config{}), nil, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
