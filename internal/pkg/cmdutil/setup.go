package cmdutil

import (
	"context"
	"fmt"
	"os"

	"github.com/endorses/oapxray/internal/pkg/adminapi"
	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
	"github.com/spf13/viper"
)

// AdminClient returns a client for the admin API at admin.url.
func AdminClient() *adminapi.Client {
	c := adminapi.NewClient(GetStringConfig("admin.url", constants.DefaultAdminURL))
	c.APIKey = viper.GetString("admin.api_key")
	return c
}

// OpenTrafficLog opens the traffic log at db.path.
func OpenTrafficLog(ctx context.Context) (*trafficlog.Store, error) {
	path := viper.GetString("db.path")
	if path == "" {
		path = trafficlog.DefaultPath()
	}
	return trafficlog.Open(ctx, path)
}

// LoadSecrets fills store from --secret values, a secrets file and the
// secrets config list, in that order.
func LoadSecrets(store *keystore.Store, secrets []string, secretsFile string) error {
	all := append(append([]string(nil), secrets...), viper.GetStringSlice("secrets")...)
	for _, s := range all {
		if _, err := store.Add(s, ""); err != nil {
			return err
		}
	}

	if secretsFile == "" {
		return nil
	}
	f, err := os.Open(secretsFile)
	if err != nil {
		return fmt.Errorf("failed to open secrets file: %w", err)
	}
	defer f.Close()

	candidates, errs := keystore.ParseSecrets(f)
	for _, e := range errs {
		logger.Warn("Skipping secrets file entry", "file", secretsFile, "error", e)
	}
	_, err = store.AddAll(candidates)
	return err
}
