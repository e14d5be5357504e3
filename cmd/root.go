package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/endorses/oapxray/cmd/analyze"
	"github.com/endorses/oapxray/cmd/events"
	"github.com/endorses/oapxray/cmd/handshakes"
	"github.com/endorses/oapxray/cmd/keys"
	"github.com/endorses/oapxray/cmd/logs"
	"github.com/endorses/oapxray/cmd/msg"
	"github.com/endorses/oapxray/cmd/replay"
	"github.com/endorses/oapxray/cmd/serve"
	"github.com/endorses/oapxray/cmd/watch"
	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/endorses/oapxray/internal/pkg/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "oapx",
	Short:   "oapx watches OAP agents talk",
	Long:    fmt.Sprintf("oapx %s - passive analyzer and replay tool for OAP DID-handshake traffic", version.GetVersion()),
	Version: version.GetFullVersion(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Configure(logger.Options{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		})
	},
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func addSubCommandPalattes() {
	rootCmd.AddCommand(serve.ServeCmd)
	rootCmd.AddCommand(analyze.AnalyzeCmd)
	rootCmd.AddCommand(replay.ReplayCmd)
	rootCmd.AddCommand(keys.KeysCmd)
	rootCmd.AddCommand(handshakes.HandshakesCmd)
	rootCmd.AddCommand(logs.LogsCmd)
	rootCmd.AddCommand(msg.MsgCmd)
	rootCmd.AddCommand(watch.WatchCmd)
	rootCmd.AddCommand(events.EventsCmd)
	rootCmd.AddCommand(versionCmd)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Initialize structured logging
	logger.Initialize()

	addSubCommandPalattes()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/oapx/config.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "json", "log format: json or text")
	flags.String("admin-url", constants.DefaultAdminURL, "admin API base URL")
	flags.String("api-key", "", "admin API key (when the server requires one)")
	flags.String("db", "", "traffic log database (default is $HOME/.config/oapx/traffic.db)")

	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("admin.url", flags.Lookup("admin-url"))
	_ = viper.BindPFlag("admin.api_key", flags.Lookup("api-key"))
	_ = viper.BindPFlag("db.path", flags.Lookup("db"))
}

func initConfig() {
	// .env in the working directory is optional
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "oapx"))
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("OAPX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("proxy.listen", constants.DefaultProxyListen)
	viper.SetDefault("admin.listen", constants.DefaultAdminListen)
	viper.SetDefault("replay.timeout", constants.ReplayTimeout)

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
