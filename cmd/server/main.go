// Package main is the entry point for the compatz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool ("compatz-server migrate" applies
//     the schema and exits).
//  3. Build the declaration source (PostgreSQL or the storefront API),
//     optionally behind a Redis cache invalidated by LISTEN/NOTIFY.
//  4. Create the service and wire API key authentication.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/compatz/internal/config"
	"github.com/matt-riley/compatz/internal/logging"
	"github.com/matt-riley/compatz/internal/metadata"
	"github.com/matt-riley/compatz/internal/metrics"
	"github.com/matt-riley/compatz/internal/middleware"
	"github.com/matt-riley/compatz/internal/repository"
	"github.com/matt-riley/compatz/internal/server"
	"github.com/matt-riley/compatz/internal/service"
	"github.com/matt-riley/compatz/internal/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	redisPingTimeout      = 2 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			return runMigrations(pool)
		default:
			return fmt.Errorf("unknown command %q", args[0])
		}
	}

	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	source, err := newMetadataSource(cfg, repo, log)
	if err != nil {
		return fmt.Errorf("init metadata source: %w", err)
	}

	serviceOpts := []service.Option{
		service.WithLogger(log),
		service.WithCheckMetrics(m),
		service.WithCheckHistoryLimit(cfg.CheckHistoryLimit),
	}
	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer client.Close()

		cached := metadata.NewCachedSource(client, source,
			metadata.WithCacheTTL(cfg.MetadataCacheTTL),
			metadata.WithCacheLogger(log),
			metadata.WithCacheRecorder(m),
		)
		source = cached
		serviceOpts = append(serviceOpts, service.WithInvalidator(cached))
	}
	serviceOpts = append(serviceOpts, service.WithSource(source))

	svc, err := service.New(ctx, repo, serviceOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewFailureLimiter(cfg.AuthRateLimit)
	validator := middleware.NewAPIKeyValidator(repo)
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithFailureLimiter(limiter),
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(newHTTPHandler(svc, validator, m, cfg, log, authOpts...), "compatz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			middleware.UnaryBearerAuthInterceptor(validator,
				append(authOpts, middleware.WithPublicMethods("/grpc.health.v1.Health/"))...),
			m.UnaryServerInterceptor(),
		),
	)
	healthServer := server.Register(grpcServer, server.NewGRPCServer(svc))

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"metadata_source", cfg.MetadataSource,
		"declaration_cache", cfg.RedisURL != "",
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")
	healthServer.Shutdown()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// newHTTPHandler protects the /v1 API with bearer auth and logs every
// request. /healthz and /metrics stay public.
func newHTTPHandler(svc server.Service, validator middleware.TokenValidator, m *metrics.Metrics, cfg config.Config, log *slog.Logger, opts ...middleware.AuthOption) http.Handler {
	apiHandler := server.NewHTTPHandler(svc,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithAPIMiddleware(middleware.HTTPBearerAuth(validator, opts...)),
		server.WithMetricsHandler(m.Handler()),
		server.WithRouteObserver(m),
	)
	return middleware.HTTPRequestLogging(log)(apiHandler)
}

// newMetadataSource picks where variant declarations are read from. The
// repository serves them unless the storefront API is configured.
func newMetadataSource(cfg config.Config, repo metadata.Source, log *slog.Logger) (metadata.Source, error) {
	switch cfg.MetadataSource {
	case config.SourceStorefront:
		return metadata.NewStorefrontSource(metadata.StorefrontConfig{
			Endpoint:    cfg.StorefrontURL,
			Token:       cfg.StorefrontToken,
			Concurrency: cfg.MetadataFetchConcurrency,
			Timeout:     cfg.MetadataFetchTimeout,
			Logger:      log,
		})
	case config.SourcePostgres, "":
		if repo == nil {
			return nil, errors.New("repository source is nil")
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown metadata source %q", cfg.MetadataSource)
	}
}

// newRedisClient connects to REDIS_URL. An unreachable server is logged but
// not fatal: the cache falls through to the underlying source.
func newRedisClient(ctx context.Context, redisURL string, log *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, declaration cache will fall through", "error", err)
	}

	return client, nil
}
