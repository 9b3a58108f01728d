package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"

	"github.com/aiops/kpiquery/pkg/cache"
	"github.com/aiops/kpiquery/pkg/config"
	"github.com/aiops/kpiquery/pkg/database"
	"github.com/aiops/kpiquery/pkg/grpcutil"
	"github.com/aiops/kpiquery/pkg/telemetry"
	"github.com/aiops/kpiquery/services/kpi"
)

const serviceName = "kpi"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup telemetry
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:     serviceName,
		ServiceVersion:  cfg.Version,
		Environment:     cfg.Environment,
		OTLPEndpoint:    cfg.OTLPEndpoint,
		TracingEnabled:  cfg.TracingEnabled,
		TracingSampling: cfg.TracingSampling,
		LogLevel:        cfg.LogLevel,
		LogFormat:       cfg.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tp.Shutdown(ctx)

	logger := tp.Logger()

	// Initialize database connection if using postgres
	var db *sql.DB
	if cfg.UsePostgresStorage() {
		conn, err := database.Connect(ctx, &database.Config{
			Host:            cfg.DBHost,
			Port:            cfg.DBPort,
			User:            cfg.DBUser,
			Password:        cfg.DBPassword,
			Database:        cfg.DBName,
			SSLMode:         cfg.DBSSLMode,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()
		conn.WithLogger(logger)

		migrator := database.NewMigrator(conn, serviceName).WithLogger(logger)
		if err := migrator.Apply(ctx, kpi.Migrations, kpi.MigrationsDir); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		db = conn.DB
		logger.Info("connected to postgres database")
	}

	// Initialize store
	store, err := kpi.NewStore(kpi.StoreOptions{
		Backend:        cfg.StorageBackend,
		DB:             db,
		Endpoint:       cfg.MetricStoreURL,
		ApdexThreshold: cfg.ApdexThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	logger.Info("initialized storage backend", "backend", cfg.StorageBackend)

	if cfg.CacheEnabled {
		redisCfg, err := cache.ConfigFromURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		client, err := cache.Connect(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()

		store = kpi.NewCachedStore(store, client.WithLogger(logger), cfg.CacheTTL)
		logger.Info("payload cache enabled", "ttl", cfg.CacheTTL)
	}

	// Only the memory backend builds its metrics from spans. The cached store
	// forwards ingestion and evicts the payloads it affects.
	var ingester kpi.SpanIngester
	if cfg.UseMemoryStorage() {
		ingester, _ = store.(kpi.SpanIngester)
	}

	gap, err := kpi.ParseGapPolicy(cfg.GapPolicy)
	if err != nil {
		return fmt.Errorf("invalid gap policy: %w", err)
	}

	service := kpi.NewService(store, kpi.Options{
		Workers:           cfg.QueryWorkers,
		QueryTimeout:      cfg.QueryTimeout,
		SlowEndpointLimit: cfg.SlowEndpointLimit,
		MaxBuckets:        cfg.MaxBuckets,
		GapPolicy:         gap,
		Tracer:            tp.Tracer("github.com/aiops/kpiquery/services/kpi"),
	}, logger)

	// Create gRPC server
	serverCfg := grpcutil.DefaultServerConfig(cfg.GRPCPort, serviceName)
	serverCfg.EnableReflection = cfg.IsDevelopment()
	serverCfg.UnaryInterceptors = []grpc.UnaryServerInterceptor{
		grpcutil.TracingUnaryInterceptor(serviceName),
		// Per-KPI deadlines run inside this overall request budget.
		grpcutil.TimeoutUnaryInterceptor(2 * cfg.QueryTimeout),
	}
	server := grpcutil.NewServer(serverCfg, logger)

	// Register service handlers
	handler := kpi.NewHandler(service, ingester, cfg.Version, logger)
	handler.Register(server.GRPCServer())

	logger.Info("starting kpi service",
		"port", cfg.GRPCPort,
		"env", cfg.Environment,
	)

	// Run server (blocks until shutdown)
	return server.Run(ctx)
}
