package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/upscaler/internal/api"
	"github.com/dunamismax/upscaler/internal/config"
	"github.com/dunamismax/upscaler/internal/media"
	"github.com/dunamismax/upscaler/internal/pipeline"
	"github.com/dunamismax/upscaler/internal/queue"
	"github.com/dunamismax/upscaler/internal/ratelimit"
	"github.com/dunamismax/upscaler/internal/runner"
	"github.com/dunamismax/upscaler/internal/storage"
	"github.com/dunamismax/upscaler/internal/store"
	"github.com/dunamismax/upscaler/internal/telemetry"
	"github.com/dunamismax/upscaler/internal/upload"
	"github.com/dunamismax/upscaler/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.API.CacheDir, 0o755); err != nil {
		logger.Fatalf("create cache dir %s: %v", cfg.API.CacheDir, err)
	}

	if err := media.Startup(); err != nil {
		logger.Fatalf("media startup failed: %v", err)
	}
	defer media.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "upscaler-api", cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	registry, closeRegistry := openRegistry(ctx, cfg, logger)
	defer closeRegistry()

	sweeper := &store.Sweeper{
		Registry: registry,
		TTL:      cfg.Registry.TTL,
		Interval: cfg.Registry.SweepInterval,
		Logger:   logger,
	}
	go sweeper.Run(ctx)

	procRunner := runner.New(cfg.Upscaler.Command(), cfg.Upscaler.PollInterval, logger)
	logger.Printf("upscaler binary=%s gpu=%d scale=%d", cfg.Upscaler.Binary, cfg.Upscaler.GPU, cfg.Upscaler.Scale)

	metricsRegistry := prometheus.NewRegistry()
	notifier, closeNotifier := openNotifier(cfg, logger)

	processor := pipeline.NewProcessor(procRunner, registry, pipeline.Options{
		Logger:     logger,
		Registerer: metricsRegistry,
		Publisher:  openPublisher(ctx, cfg, logger),
		Notifier:   notifier,
	})

	rateLimiter, closeRateLimiter := openRateLimiter(cfg, logger)
	defer closeRateLimiter()

	app := api.NewServer(registry, processor, api.Options{
		Logger:                logger,
		Receiver:              upload.Receiver{CacheDir: cfg.API.CacheDir},
		MaxUploadBytes:        cfg.API.MaxUploadBytes,
		CORSOrigin:            cfg.API.CORSOrigin,
		RateLimiter:           rateLimiter,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Tracer:                otel.Tracer("upscaler/api"),
		Metrics:               metricsRegistry,
	})

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s cache_dir=%s", cfg.API.Addr, cfg.API.CacheDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	procRunner.Close()
	closeNotifier()
}

func openRegistry(ctx context.Context, cfg config.Config, logger *log.Logger) (store.Registry, func()) {
	switch cfg.Registry.Backend {
	case config.RegistryPostgres:
		registry, err := store.NewPostgresRegistry(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres registry: %v", err)
		}
		logger.Printf("job registry backend=postgres")
		return registry, func() {
			if err := registry.Close(); err != nil {
				logger.Printf("postgres close error: %v", err)
			}
		}
	case config.RegistryMemory:
		logger.Printf("job registry backend=memory")
		return store.NewMemoryRegistry(), func() {}
	default:
		logger.Fatalf("unsupported registry backend: %s", cfg.Registry.Backend)
		return nil, nil
	}
}

func openNotifier(cfg config.Config, logger *log.Logger) (pipeline.Notifier, func()) {
	switch cfg.Webhook.Mode {
	case config.NotifyDirect:
		notifier := webhook.NewNotifier(webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}), logger)
		logger.Printf("webhook notifications mode=direct")
		return notifier, notifier.Close
	case config.NotifyQueue:
		client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		logger.Printf("webhook notifications mode=queue queue=%s redis=%s", cfg.Queue.Name, cfg.Queue.RedisAddr)
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}
	case config.NotifyNone:
		return nil, func() {}
	default:
		logger.Fatalf("unsupported notify mode: %s", cfg.Webhook.Mode)
		return nil, nil
	}
}

func openPublisher(ctx context.Context, cfg config.Config, logger *log.Logger) pipeline.ArtifactPublisher {
	if !cfg.Storage.MirrorArtifacts {
		return nil
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		Region:   cfg.Storage.Region,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client: %v", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		logger.Fatalf("ensure bucket %s: %v", client.Bucket(), err)
	}
	logger.Printf("artifact mirroring enabled bucket=%s prefix=%s", client.Bucket(), cfg.Storage.Prefix)

	return pipeline.ObjectStorePublisher{
		Storage:      client,
		OutputPrefix: cfg.Storage.Prefix,
		URLExpiry:    cfg.Storage.URLExpiry,
	}
}

func openRateLimiter(cfg config.Config, logger *log.Logger) (api.RateLimiter, func()) {
	switch cfg.RateLimit.Backend {
	case config.RateLimitRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		limiter, err := ratelimit.NewRedisTokenBucket(client, cfg.RateLimit.Capacity, cfg.RateLimit.Window, cfg.RateLimit.RedisKeyspace)
		if err != nil {
			logger.Fatalf("redis rate limiter: %v", err)
		}
		logger.Printf("rate limiting backend=redis capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
		return limiter, func() {
			if err := client.Close(); err != nil {
				logger.Printf("redis close error: %v", err)
			}
		}
	case config.RateLimitLocal:
		limiter, err := ratelimit.NewLocalLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.Window)
		if err != nil {
			logger.Fatalf("local rate limiter: %v", err)
		}
		logger.Printf("rate limiting backend=local capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
		return limiter, func() {}
	case config.RateLimitNone:
		return nil, func() {}
	default:
		logger.Fatalf("unsupported rate limit backend: %s", cfg.RateLimit.Backend)
		return nil, nil
	}
}
