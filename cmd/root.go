// Package cmd wires the command line: configuration, logging and the
// serve and maintenance commands.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zipchat/config"
	"zipchat/storage"
)

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "zipchat",
		Short:        "End-to-end encrypted one-to-one chat relay",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default zipchat.yaml in ., ./config or the data directory)")
	flags.String("data-dir", "", "data directory (env ZIPCHAT_DATA_DIR)")
	flags.String("storage-driver", config.DriverSQLite, "message store: sqlite or postgres")
	flags.String("postgres-dsn", "", "postgres connection string")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")

	root.AddCommand(
		newServeCommand(),
		newCleanupCommand(),
		newHistoryCommand(),
		newEventsCommand(),
		newSealCommand(),
		newHashPasswordCommand(),
		newTokenCommand(),
	)
	return root
}

// loadConfig reads configuration for cmd and builds the root logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	if cfg.File != "" {
		logger.WithField("file", cfg.File).Debug("loaded config file")
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log.format %q", cfg.Format)
	}
	return logger, nil
}

// chatStore is what the server needs from a backend.
type chatStore interface {
	storage.MessageStore
	storage.SecurityLog
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (chatStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := storage.NewPostgresStore(ctx, cfg.Storage.PostgresDSN,
			storage.WithSecurityEventRetention(cfg.Storage.SecurityEventRetention),
		)
		if err != nil {
			return nil, err
		}
		logger.Info("message store: postgres")
		return store, nil
	case config.DriverSQLite, "":
		if err := config.EnsureDataDirectories(cfg.DataDir); err != nil {
			return nil, err
		}
		store, dbPath, err := storage.Open(cfg.DataDir,
			storage.WithWALCheckpointInterval(cfg.Storage.WALCheckpointInterval),
			storage.WithSecurityEventRetention(cfg.Storage.SecurityEventRetention),
		)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", dbPath).Info("message store: sqlite")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
}
