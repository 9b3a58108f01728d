// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend represents the metric store implementation type.
type StorageBackend string

const (
	// StorageMemory aggregates ingested spans in process (for development/testing).
	StorageMemory StorageBackend = "memory"
	// StoragePostgres reads pre-aggregated buckets from PostgreSQL.
	StoragePostgres StorageBackend = "postgres"
	// StorageGraphQL queries a remote metric store over GraphQL.
	StorageGraphQL StorageBackend = "graphql"
)

// Base contains the configuration of the KPI query service.
type Base struct {
	// Service identification
	ServiceName string
	Environment string // development, staging, production
	Version     string

	// Server
	GRPCPort int

	// Storage backend
	StorageBackend StorageBackend

	// Database (used when StorageBackend is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Remote metric store (used when StorageBackend is "graphql")
	MetricStoreURL string

	// Redis payload cache
	RedisURL     string
	CacheEnabled bool
	CacheTTL     time.Duration

	// Query engine
	QueryTimeout      time.Duration
	QueryWorkers      int
	GapPolicy         string // null, zero, interpolate, omit
	ApdexThreshold    time.Duration
	SlowEndpointLimit int
	MaxBuckets        int

	// Observability
	LogLevel  string
	LogFormat string // json, text

	// Tracing
	TracingEnabled  bool
	TracingSampling float64
	OTLPEndpoint    string
}

// Load loads configuration from KPI_* environment variables.
func Load(serviceName string) (*Base, error) {
	cfg := &Base{
		ServiceName: serviceName,
		Environment: getEnv("KPI_ENV", "development"),
		Version:     getEnv("KPI_VERSION", "dev"),

		GRPCPort: getEnvInt("KPI_GRPC_PORT", 9000),

		StorageBackend: parseStorageBackend(getEnv("KPI_STORAGE_BACKEND", "memory")),

		DBHost:     getEnv("KPI_DB_HOST", "localhost"),
		DBPort:     getEnvInt("KPI_DB_PORT", 5432),
		DBUser:     getEnv("KPI_DB_USER", "kpi"),
		DBPassword: getEnv("KPI_DB_PASSWORD", ""),
		DBName:     getEnv("KPI_DB_NAME", "kpi"),
		DBSSLMode:  getEnv("KPI_DB_SSLMODE", "disable"),

		MetricStoreURL: getEnv("KPI_METRIC_STORE_URL", "http://localhost:12800/graphql"),

		RedisURL:     getEnv("KPI_REDIS_URL", "redis://localhost:6379"),
		CacheEnabled: getEnvBool("KPI_CACHE_ENABLED", false),
		CacheTTL:     getEnvDuration("KPI_CACHE_TTL", 5*time.Minute),

		QueryTimeout:      getEnvDuration("KPI_QUERY_TIMEOUT", 10*time.Second),
		QueryWorkers:      getEnvInt("KPI_QUERY_WORKERS", 4),
		GapPolicy:         strings.ToLower(getEnv("KPI_GAP_POLICY", "null")),
		ApdexThreshold:    getEnvDuration("KPI_APDEX_THRESHOLD", 500*time.Millisecond),
		SlowEndpointLimit: getEnvInt("KPI_SLOW_ENDPOINT_LIMIT", 10),
		MaxBuckets:        getEnvInt("KPI_MAX_BUCKETS", 10000),

		LogLevel:  getEnv("KPI_LOG_LEVEL", "info"),
		LogFormat: getEnv("KPI_LOG_FORMAT", "json"),

		TracingEnabled:  getEnvBool("KPI_TRACING_ENABLED", true),
		TracingSampling: getEnvFloat("KPI_TRACING_SAMPLING", 1.0),
		OTLPEndpoint:    getEnv("KPI_OTLP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the query engine cannot run with.
func (c *Base) Validate() error {
	if c.QueryWorkers < 1 {
		return fmt.Errorf("KPI_QUERY_WORKERS must be positive, got %d", c.QueryWorkers)
	}
	if c.MaxBuckets < 1 {
		return fmt.Errorf("KPI_MAX_BUCKETS must be positive, got %d", c.MaxBuckets)
	}
	if c.ApdexThreshold <= 0 {
		return fmt.Errorf("KPI_APDEX_THRESHOLD must be positive, got %s", c.ApdexThreshold)
	}
	switch c.GapPolicy {
	case "null", "zero", "interpolate", "omit":
	default:
		return fmt.Errorf("KPI_GAP_POLICY %q is not one of null, zero, interpolate, omit", c.GapPolicy)
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Base) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// IsDevelopment returns true if running in development mode.
func (c *Base) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Base) IsProduction() bool {
	return c.Environment == "production"
}

// UseMemoryStorage returns true if using the in-process metric store.
func (c *Base) UseMemoryStorage() bool {
	return c.StorageBackend == StorageMemory
}

// UsePostgresStorage returns true if using PostgreSQL storage.
func (c *Base) UsePostgresStorage() bool {
	return c.StorageBackend == StoragePostgres
}

// Helper functions

func parseStorageBackend(s string) StorageBackend {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return StoragePostgres
	case "graphql", "gql", "remote":
		return StorageGraphQL
	default:
		return StorageMemory
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
