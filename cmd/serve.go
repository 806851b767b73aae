package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zipchat/api"
	"zipchat/auth"
	"zipchat/config"
	"zipchat/crypto"
	"zipchat/discovery"
	"zipchat/jobs"
	"zipchat/network"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().String("ws-path", "/ws", "websocket endpoint path")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	verifier, fingerprint, err := buildVerifier(cfg, logger)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("close message store")
		}
	}()

	wsServer := network.NewServer(verifier, store, network.ServerOptions{
		PingInterval:    cfg.Server.PingInterval,
		WriteTimeout:    cfg.Server.WriteTimeout,
		AuthTimeout:     cfg.Server.AuthTimeout,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		EventsPerSecond: cfg.Server.InboundEventsPerSecond,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Logger:          logger,
		Security:        store,
	})

	router := api.NewRouter(wsServer, store, api.Options{
		WSPath:         cfg.Server.WSPath,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsAuth: api.MetricsAuth{
			Username:     cfg.Metrics.Username,
			PasswordHash: cfg.Metrics.PasswordHash,
			PasswordSalt: cfg.Metrics.PasswordSalt,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Discovery.Enabled {
		advertiser, err := startDiscovery(cfg, fingerprint)
		if err != nil {
			logger.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer advertiser.Stop()
			logger.WithField("instance", cfg.Discovery.InstanceName).Info("advertising on mDNS")
		}
	}

	go func() {
		if err := wsServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("heartbeat loop stopped")
		}
	}()
	go jobs.NewExpiryCleaner(store, cfg.Storage.CleanupInterval, logger).Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.Server.ListenAddress,
			"ws_path": cfg.Server.WSPath,
		}).Info("listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("websocket connections did not drain")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildVerifier returns the token verifier and, when an Ed25519 public key is
// configured, its fingerprint.
func buildVerifier(cfg *config.Config, logger logrus.FieldLogger) (auth.TokenVerifier, string, error) {
	secret, err := cfg.JWTSecret()
	if err != nil {
		return nil, "", err
	}

	jwtCfg := auth.JWTConfig{
		Secret: secret,
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	}

	fingerprint := ""
	if cfg.Auth.JWTPublicKeyPath != "" {
		publicKey, err := crypto.LoadSigningPublicKey(cfg.Auth.JWTPublicKeyPath)
		if err != nil {
			return nil, "", err
		}
		jwtCfg.PublicKey = publicKey
		fingerprint = crypto.KeyFingerprint(publicKey)
		logger.WithField("fingerprint", fingerprint).Info("accepting EdDSA tokens")
	}
	if len(secret) > 0 {
		logger.Info("accepting HS256 tokens")
	}

	verifier, err := auth.NewJWTVerifier(jwtCfg)
	if err != nil {
		return nil, "", err
	}
	return verifier, fingerprint, nil
}

func startDiscovery(cfg *config.Config, fingerprint string) (*discovery.Advertiser, error) {
	port, err := discovery.PortFromAddress(cfg.Server.ListenAddress)
	if err != nil {
		return nil, err
	}
	return discovery.Advertise(discovery.Config{
		InstanceName:   cfg.Discovery.InstanceName,
		Port:           port,
		WSPath:         cfg.Server.WSPath,
		KeyFingerprint: fingerprint,
	})
}
