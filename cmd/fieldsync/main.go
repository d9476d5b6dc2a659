package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/app"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first sync agent for field inspection records",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newAgentCommand(),
		newFlushCommand(),
		newQueueCommand(),
		newRetryCommand(),
		newTemplatesCommand(),
		newServeBackendCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flags.String("database-path", defaults.GetString("database.path"), "Local SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("remote-base-url", defaults.GetString("remote.base_url"), "Backend base URL")
	flags.String("remote-token", "", "Backend bearer token (overrides env)")
	flags.String("sync-mode", defaults.GetString("sync.mode"), "Write mode (offline_first or direct)")
	flags.Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval between background sync passes")
	flags.String("metrics-address", defaults.GetString("metrics.address"), "Prometheus listen address (empty disables)")
	flags.String("backend-address", defaults.GetString("backend.address"), "Reference backend listen address")
	flags.String("backend-database-path", defaults.GetString("backend.database_path"), "Reference backend SQLite path")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "sync.mode", "sync-mode")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "metrics.address", "metrics-address")
	bindFlag(cmd, "backend.address", "backend-address")
	bindFlag(cmd, "backend.database_path", "backend-database-path")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// loadRuntime resolves configuration and a logger for a subcommand.
func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

// withApp builds the agent, runs fn and releases everything afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, agent *app.App) error) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	agent, err := app.New(app.Options{Config: appConfig, Logger: logger})
	if err != nil {
		return err
	}
	defer agent.Close() //nolint:errcheck

	if agent.InMemory {
		logger.Warn("queued work will not survive this process", zap.String("database_path", appConfig.DatabasePath))
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(signalCtx, agent)
}
