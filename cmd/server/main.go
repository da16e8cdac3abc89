package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"unichat/internal/auth"
	"unichat/internal/chat"
	"unichat/internal/config"
	"unichat/internal/crypto"
	"unichat/internal/gateway"
	"unichat/internal/httpapi"
	"unichat/internal/metrics"
	"unichat/internal/ratelimit"
	"unichat/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Str("default_provider", cfg.Default.Provider).
		Msg("starting unichat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	if err := store.SeedProviders(ctx, storage.DefaultCatalog()); err != nil {
		log.Fatal().Err(err).Msg("failed to seed provider catalog")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	issuer, err := auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token issuer")
	}
	authService := auth.NewService(store, issuer)

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}
	gw := gateway.New(gateway.Config{
		Keyring:     keyring,
		HTTPClient:  httpClient,
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
		Logger:      log.Logger,
	})

	orch := chat.New(chat.Config{
		Store:   store,
		Gateway: gw,
		Limiter: ratelimit.NewTurnLimiter(rdb, cfg.Rate.TurnsPerHour),
		DefaultConfig: gateway.ResolvedConfig{
			ProviderName: cfg.Default.Provider,
			Model:        cfg.Default.Model,
			APIKey:       cfg.Default.APIKey,
		},
		Logger:  log.Logger,
		Metrics: m,
	})

	api := httpapi.NewServer(httpapi.Config{
		Auth:      authService,
		Store:     store,
		Keyring:   keyring,
		Validator: gw,
		Chat:      orch,
		Lock:        ratelimit.NewSessionLock(rdb, 2*time.Minute),
		HealthPath:  cfg.Server.HealthPath,
		MetricsPath: cfg.Server.MetricsPath,
		Logger:      log.Logger,
		Metrics:     m,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
