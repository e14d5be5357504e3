package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/endorses/oapxray/internal/pkg/adminapi"
	"github.com/endorses/oapxray/internal/pkg/auth"
	"github.com/endorses/oapxray/internal/pkg/cmdutil"
	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/feed"
	"github.com/endorses/oapxray/internal/pkg/interceptor"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/metrics"
	"github.com/endorses/oapxray/internal/pkg/replay"
	"github.com/endorses/oapxray/internal/pkg/signals"
	"github.com/endorses/oapxray/internal/pkg/xray"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServeCmd runs the intercepting proxy and the admin API.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intercepting proxy and admin API",
	Long: `Run the intercepting proxy and admin API.

Agents are pointed at the proxy, either as an HTTP proxy (absolute-form
requests) or as the peer endpoint itself, in which case requests are
forwarded to --target. Every body is classified; handshakes are tracked and,
once a candidate secret matches an ephemeral key, later containers on that
connection are decrypted and logged.

Examples:
  oapx serve --target http://127.0.0.1:9000
  oapx serve --target http://bob.local:9000 --secret z6LS... --secrets-file keys.txt
  oapx serve --target http://bob.local:9000 --secrets-file keys.txt --watch-secrets
  oapx serve --listen 0.0.0.0:8899 --keystore-file ~/.config/oapx/keys.yaml`,
	RunE: runServe,
}

var (
	secrets      []string
	secretsFile  string
	watchSecrets bool
)

func init() {
	flags := ServeCmd.Flags()
	flags.String("listen", constants.DefaultProxyListen, "proxy listen address")
	flags.String("target", "", "upstream base URL for origin-form requests")
	flags.String("admin-listen", constants.DefaultAdminListen, "admin API listen address")
	flags.String("max-body-size", "10M", "largest body buffered for analysis")
	flags.String("keystore-file", "", "YAML file to load candidate secrets from and persist them to")
	flags.Duration("replay-timeout", constants.ReplayTimeout, "timeout of one replayed request")
	flags.StringSliceVar(&secrets, "secret", nil, "candidate private key, multibase or hex (repeatable)")
	flags.StringVar(&secretsFile, "secrets-file", "", "file with one candidate secret per line")
	flags.BoolVar(&watchSecrets, "watch-secrets", false, "reload --secrets-file when it changes")

	_ = viper.BindPFlag("proxy.listen", flags.Lookup("listen"))
	_ = viper.BindPFlag("proxy.target", flags.Lookup("target"))
	_ = viper.BindPFlag("admin.listen", flags.Lookup("admin-listen"))
	_ = viper.BindPFlag("proxy.max_body_size", flags.Lookup("max-body-size"))
	_ = viper.BindPFlag("keystore.file", flags.Lookup("keystore-file"))
	_ = viper.BindPFlag("replay.timeout", flags.Lookup("replay-timeout"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	recent := logger.NewRecentBuffer(constants.RecentLogCapacity)
	logger.Capture(recent)

	logs, err := cmdutil.OpenTrafficLog(ctx)
	if err != nil {
		return err
	}
	defer logs.Close()

	keyFile := viper.GetString("keystore.file")
	store := keystore.New(keystore.Config{File: keyFile})
	if keyFile != "" {
		if _, err := store.LoadFile(keyFile); err != nil {
			return err
		}
	}
	if err := cmdutil.LoadSecrets(store, secrets, secretsFile); err != nil {
		return err
	}

	maxBody, err := cmdutil.GetSizeConfig("proxy.max_body_size", constants.DefaultMaxBodySize)
	if err != nil {
		return err
	}

	engine := xray.NewEngine(xray.DefaultConfig())
	metrics.RegisterStoreGauges(engine.Registry().Len, engine.Sessions().Len)

	if watchSecrets && secretsFile != "" {
		watcher := keystore.NewWatcher(secretsFile, store, func(int) {
			for _, id := range engine.RederiveUnresolved(store.Secrets()) {
				logger.Info("Reloaded secret unlocked handshake", "id", id)
			}
		})
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}
	broker := feed.NewBroker()

	proxy, err := interceptor.New(interceptor.Config{
		Target:      viper.GetString("proxy.target"),
		MaxBodySize: maxBody,
	}, engine, store, logs, broker)
	if err != nil {
		return err
	}

	replayer := replay.New(logs, engine, replay.Config{Timeout: viper.GetDuration("replay.timeout")})
	admin := adminapi.New(engine, store, logs, replayer, broker)
	admin.SetRecentLog(recent)

	api, stopAuth, err := protect(admin)
	if err != nil {
		return err
	}
	defer stopAuth()

	proxyAddr := viper.GetString("proxy.listen")
	adminAddr := viper.GetString("admin.listen")
	logger.Info("oapx serving",
		"proxy", proxyAddr,
		"target", viper.GetString("proxy.target"),
		"admin", adminAddr,
		"secrets", store.Len())

	errCh := make(chan error, 2)
	go func() { errCh <- adminapi.Serve(ctx, proxyAddr, proxy) }()
	go func() { errCh <- adminapi.Serve(ctx, adminAddr, api) }()

	var errs []error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			cancel()
		}
	}

	stats := engine.Registry().Stats()
	logger.Info("oapx stopped",
		"handshakes", stats.Contexts,
		"resolved", stats.Resolved,
		"sessions", engine.Sessions().Len())
	return errors.Join(errs...)
}

// protect wraps the admin API with API key checks when admin.auth.enabled is
// set. The returned func stops the failure rate limiter.
func protect(api http.Handler) (http.Handler, func(), error) {
	var cfg auth.Config
	if err := viper.UnmarshalKey("admin.auth", &cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid admin.auth config: %w", err)
	}
	if !cfg.Enabled {
		return api, func() {}, nil
	}
	if len(cfg.APIKeys) == 0 {
		return nil, nil, errors.New("admin.auth is enabled but no api_keys are configured")
	}

	limiter := auth.NewRateLimiter()
	logger.Info("Admin API authentication enabled", "keys", len(cfg.APIKeys))
	return auth.Middleware(auth.NewValidator(cfg), limiter, api), limiter.Stop, nil
}
