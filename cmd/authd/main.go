package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaycrm/authcore/internal/audit"
	"github.com/relaycrm/authcore/internal/authmw"
	"github.com/relaycrm/authcore/internal/config"
	"github.com/relaycrm/authcore/internal/crypto"
	"github.com/relaycrm/authcore/internal/logging"
	"github.com/relaycrm/authcore/internal/revocation"
	"github.com/relaycrm/authcore/internal/sso"
	"github.com/relaycrm/authcore/internal/token"
	"github.com/relaycrm/authcore/internal/usage"
)

const ServiceVersion = "v1.0.0"

func main() {
	config.LoadEnv("../../.env")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		logging.Error("invalid log level", zap.Error(err))
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer func() { _ = logger.Sync() }()

	logging.Info("starting authd", zap.String("version", ServiceVersion))

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logging.Error("failed to initialize cipher", zap.Error(err))
		os.Exit(1)
	}

	keys, err := token.LoadKeyManagerFromEnv()
	if err != nil {
		logging.Error("failed to load signing key", zap.Error(err))
		os.Exit(1)
	}
	tokenCfg := token.Config{
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
		TTL:      cfg.TokenTTL,
	}
	verifier := token.NewVerifier(tokenCfg, keys)
	minter := token.NewMinter(tokenCfg, keys)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logging.Error("invalid Redis URL", zap.Error(err))
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logging.Warn("Redis unreachable at startup, continuing", zap.Error(err))
		}
		cancel()
		defer func() { _ = redisClient.Close() }()
	}

	// Revoked entries outlive any access token's natural lifetime.
	var revocations revocation.Store
	if redisClient != nil {
		revocations = revocation.NewRedisStore(redisClient, 24*time.Hour)
	} else {
		ms := revocation.NewMemoryStore(24 * time.Hour)
		ms.Start(cfg.SweepInterval)
		revocations = ms
		logging.Warn("no Redis configured, revocation state is process-local")
	}
	defer revocations.Close()

	tracker := usage.NewMemoryTracker()
	stopTracker := tracker.Start(cfg.SweepInterval)
	defer stopTracker()

	auditor, err := audit.NewPublisher(cfg.AMQPURL)
	if err != nil {
		logging.Warn("audit broker unavailable, events degrade to log-only", zap.Error(err))
		auditor = nil
	}
	defer auditor.Close()

	store, err := sso.NewStore(cfg.DatabaseURL, redisClient)
	if err != nil {
		logging.Error("failed to open session store", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	broker := sso.NewBroker(store, cipher, auditor, cfg.ExternalURL)
	mw := authmw.New(verifier, revocations, tracker, auditor)
	federators := newFederatorRegistry(cfg, store, auditor)

	srv := &server{
		cfg:        cfg,
		mw:         mw,
		broker:     broker,
		minter:     minter,
		store:      store,
		federators: federators,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sessionGCLoop(ctx, store, cfg.SessionGCInterval)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("forced shutdown", zap.Error(err))
	}
}

// sessionGCLoop removes sessions past their retention window.
func sessionGCLoop(ctx context.Context, store *sso.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := store.DeleteExpiredSessions(ctx)
			if err != nil {
				logging.Warn("session GC failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logging.Info("session GC", zap.Int64("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
