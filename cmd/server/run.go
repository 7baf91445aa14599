package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/auth"
	"github.com/TheTomik1/chat-app/internal/blob"
	"github.com/TheTomik1/chat-app/internal/journal"
	"github.com/TheTomik1/chat-app/internal/live"
	"github.com/TheTomik1/chat-app/internal/logging"
	"github.com/TheTomik1/chat-app/internal/metrics"
	"github.com/TheTomik1/chat-app/internal/pipeline"
	"github.com/TheTomik1/chat-app/internal/ratelimit"
	"github.com/TheTomik1/chat-app/internal/server"
	"github.com/TheTomik1/chat-app/internal/store"
)

const startupTimeout = 15 * time.Second

// loadConfig applies command-line overrides on top of the environment.
func loadConfig(cmd *cobra.Command, opts options) (*server.Config, error) {
	if cmd.Flags().Changed("env") {
		if err := os.Setenv("APP_ENV", opts.env); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("port") {
		if err := os.Setenv("SERVER_PORT", opts.port); err != nil {
			return nil, err
		}
	}
	return server.LoadConfig(opts.configPath)
}

// backends are the storage clients opened at startup.
type backends struct {
	threads *store.Threads
	users   store.Users
	files   blob.Store
}

// openStorage is replaced in tests.
var openStorage = openBackends

func openBackends(ctx context.Context, cfg *server.Config, logger *zap.Logger) (*backends, error) {
	var files blob.Store
	switch cfg.Files.Driver {
	case "s3":
		s3, err := blob.NewS3(ctx, cfg.Files.S3Region, cfg.Files.S3Bucket, cfg.Files.S3Endpoint)
		if err != nil {
			return nil, err
		}
		files = s3
	case "memory":
		files = blob.NewMemory()
	default:
		disk, err := blob.NewDisk(cfg.Files.Dir)
		if err != nil {
			return nil, err
		}
		files = disk
	}

	if cfg.Store.Driver != "mongo" {
		return &backends{
			threads: store.NewThreads(store.NewMemory(), files, logger.Named("store")),
			users:   store.NewMemoryUsers(),
			files:   files,
		}, nil
	}

	client, err := store.ConnectMongo(ctx, cfg.Store.MongoURI)
	if err != nil {
		return nil, err
	}
	backend, err := store.NewMongoBackend(ctx, client, cfg.Store.MongoDB, logger.Named("mongo"))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	users, err := store.NewMongoUsers(ctx, client, cfg.Store.MongoDB)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &backends{
		threads: store.NewThreads(backend, files, logger.Named("store")),
		users:   users,
		files:   files,
	}, nil
}

// close releases the store connection.
func (b *backends) close(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := b.threads.Close(ctx); err != nil {
		logger.Warn("store_close_failed", zap.Error(err))
	}
}

func openLimiter(ctx context.Context, cfg *server.Config, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.Redis.Addr == "" {
		return ratelimit.NewLocal(cfg.APIRatePerMin, time.Minute), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis_connected", zap.String("addr", cfg.Redis.Addr))
	closer := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis_close_failed", zap.Error(err))
		}
	}
	return ratelimit.NewRedis(client, "chat:ratelimit", cfg.APIRatePerMin, time.Minute), closer, nil
}

func openJournal(cfg *server.Config, logger *zap.Logger) journal.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return journal.Nop{}
	}
	logger.Info("journal_enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	return journal.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("journal"))
}

// run wires every component, serves until ctx is cancelled and then shuts
// down in reverse order.
func run(ctx context.Context, cfg *server.Config) error {
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	b, err := openStorage(startCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	limiter, closeLimiter, err := openLimiter(startCtx, cfg, logger)
	if err != nil {
		b.close(logger)
		return err
	}
	defer closeLimiter()

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = "development-only-secret"
		logger.Warn("jwt_secret_unset_using_development_default")
	}
	sessions, err := auth.NewSessions(secret, cfg.Auth.SessionTTL)
	if err != nil {
		b.close(logger)
		return err
	}

	m := metrics.New()
	policy, err := live.PolicyByName(cfg.PermitPolicy, b.threads)
	if err != nil {
		b.close(logger)
		return err
	}
	registry := live.NewRegistry(logger.Named("registry"), m)
	authorizer := live.NewAuthorizer(registry, policy, logger.Named("authorizer"), m)
	events := openJournal(cfg, logger)

	svc := pipeline.New(pipeline.Deps{
		Threads:       b.threads,
		Users:         b.users,
		Files:         b.files,
		Live:          authorizer,
		Journal:       events,
		Logger:        logger.Named("pipeline"),
		Metrics:       m,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	srv := server.New(server.Deps{
		Config:     cfg,
		Pipeline:   svc,
		Accounts:   auth.NewAccounts(b.users, 0),
		Sessions:   sessions,
		Authorizer: authorizer,
		Limiter:    limiter,
		Metrics:    m,
		Logger:     logger.Named("http"),
	})
	httpServer := server.CreateServer(cfg.Port, srv.SetupRoutes())

	logger.Info("starting",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.Store.Driver),
		zap.String("files", cfg.Files.Driver),
		zap.String("permit_policy", cfg.PermitPolicy),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	}

	_ = server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger)

	liveCtx, cancelLive := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelLive()
	if err := registry.Shutdown(liveCtx); err != nil {
		logger.Warn("live_shutdown_incomplete", zap.Error(err))
	}
	if err := events.Close(); err != nil {
		logger.Warn("journal_close_failed", zap.Error(err))
	}
	b.close(logger)
	logger.Info("shutdown_complete")
	return nil
}
