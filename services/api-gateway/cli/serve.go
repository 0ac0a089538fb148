package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/feed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/kafka"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/lock"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/memstore"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/postgres"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
	redisstore "github.com/akashpixels/clientbridge-tasksphere-sub000/internal/redis"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/seed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/version"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/telemetry"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/config"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/handler"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST and gRPC servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("grpc-port", "9090", "gRPC server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses; empty keeps change events in-process")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port); empty disables Redis")
	serveCmd.Flags().String("store-backend", config.BackendPostgres, "task store: postgres | memory")
	serveCmd.Flags().String("lock-backend", config.BackendRedis, "project lock: redis | local")
	serveCmd.Flags().Duration("lock-timeout", 5*time.Second, "maximum wait for a project lock")
	serveCmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens on mutating routes; empty disables auth")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("grpc_port", serveCmd.Flags(), "grpc-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("store_backend", serveCmd.Flags(), "store-backend")
	bindFlag("lock_backend", serveCmd.Flags(), "lock-backend")
	bindFlag("lock_timeout", serveCmd.Flags(), "lock-timeout")
	bindFlag("jwt_secret", serveCmd.Flags(), "jwt-secret")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("otel_sample_ratio", "OTEL_TRACES_SAMPLER_ARG")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api-gateway")
	instanceID := "api-gateway-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:     "api-gateway",
		Version:     version.Version,
		InstanceID:  instanceID,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── storage ───────────────────────────────────────────────────────────────
	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
	}

	var locker lock.Locker
	switch cfg.LockBackend {
	case config.BackendRedis:
		if redisClient == nil {
			return fmt.Errorf("lock_backend=redis requires redis_addr")
		}
		locker = redisstore.NewProjectLock(redisClient, cfg.LockTTL, cfg.LockTimeout, logger)
	case config.BackendLocal:
		locker = lock.NewLocal(cfg.LockTimeout)
	default:
		return fmt.Errorf("unknown lock_backend %q", cfg.LockBackend)
	}

	// ── change feed ───────────────────────────────────────────────────────────
	hub := feed.NewHub(feed.DefaultSubscriberBuffer, logger)
	var (
		notifier queue.Notifier = hub
		consumer kafka.Consumer
	)
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		producer := kafka.NewProducer(brokers, kafka.WithSource("api-gateway"))
		defer func() { _ = producer.Close() }()
		notifier = feed.NewPublisher(producer, cfg.ChangeTopic)

		// Every instance reads every change, so each gets its own group.
		consumer = kafka.NewConsumer(brokers, cfg.ChangeTopic, instanceID, logger,
			kafka.FromLatest(), kafka.WithMaxWait(100*time.Millisecond))
		defer func() { _ = consumer.Close() }()
	}

	var fetcher feed.Fetcher = feed.StoreFetcher{Store: st}
	var limiter redisstore.RateLimiter
	if redisClient != nil {
		fetcher = feed.NewCachedFetcher(fetcher, redisstore.NewTaskSetCache(redisClient, cfg.CacheTTL), logger)
		if cfg.PreviewRateLimit > 0 {
			limiter = redisstore.NewRateLimiter(redisClient, cfg.PreviewRateLimit, time.Minute)
		}
	}

	alloc := queue.NewAllocator(st, locker,
		queue.WithLogger(logger),
		queue.WithNotifier(notifier),
		queue.WithQueueJumpThreshold(cfg.CriticalPriorityThreshold),
	)

	deps := handler.Deps{
		Scheduler: alloc,
		Store:     st,
		Limiter:   limiter,
		Source:    hub,
		Fetcher:   fetcher,
		Coalesce:  cfg.CoalesceWindow,
		Retry:     handler.DefaultRetry,
		Logger:    logger,
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	handler.NewREST(deps).Mount(r, middleware.BearerAuth(cfg.JWTSecret))

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	handler.NewGRPC(deps).Register(grpcSrv)
	reflection.Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── lifecycle ─────────────────────────────────────────────────────────────
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)

	checks := []telemetry.ReadyCheck{st.Ping}
	if redisClient != nil {
		checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger, checks...)

	g.Go(func() error {
		logger.Info("api-gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("api-gateway gRPC starting", slog.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			logger.Info("change feed consumer starting", slog.String("topic", cfg.ChangeTopic))
			return hub.Consume(ctx, consumer)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down...")
		grpcSrv.GracefulStop()

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewStore(pool, cfg.LockTimeout), pool.Close, nil

	case config.BackendMemory:
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-memory store; tasks are lost on exit", slog.Int("projects", len(f.Projects)))
		return memstore.New(f.Catalog(), f.Projects...), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
}

