// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - AUTH_RATE_LIMIT: failed auth attempts per client per minute
//     (default 10).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default 1048576).
//   - METADATA_SOURCE: "postgres" or "storefront" (default "postgres").
//   - STOREFRONT_URL, STOREFRONT_TOKEN: GraphQL endpoint and access token,
//     required when METADATA_SOURCE is "storefront".
//   - METADATA_FETCH_CONCURRENCY: parallel storefront queries (default 8).
//   - METADATA_FETCH_TIMEOUT: per-query storefront timeout (default "3s").
//   - REDIS_URL: enables the declaration cache when set.
//   - METADATA_CACHE_TTL: lifetime of cached declarations (default "5m").
//   - CHECK_HISTORY_LIMIT: max check records returned per cart (default 50).
//
// Every numeric and duration value must be > 0 when set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Metadata source kinds.
const (
	SourcePostgres   = "postgres"
	SourceStorefront = "storefront"
)

const (
	defaultHTTPAddr                       = ":8080"
	defaultGRPCAddr                       = ":9090"
	defaultLogLevel                       = "info"
	defaultAuthRateLimit                  = 10
	defaultMaxJSONBodySize          int64 = 1 << 20
	defaultMetadataFetchConcurrency       = 8
	defaultMetadataFetchTimeout           = 3 * time.Second
	defaultMetadataCacheTTL               = 5 * time.Minute
	defaultCheckHistoryLimit              = 50
)

// Config holds the runtime configuration for the compatz server.
type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	GRPCAddr        string
	LogLevel        string
	AuthRateLimit   int
	MaxJSONBodySize int64

	MetadataSource           string
	StorefrontURL            string
	StorefrontToken          string
	MetadataFetchConcurrency int
	MetadataFetchTimeout     time.Duration

	RedisURL         string
	MetadataCacheTTL time.Duration

	CheckHistoryLimit int
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing
// or optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:        envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", defaultLogLevel),
		MetadataSource:  strings.ToLower(envOrDefault("METADATA_SOURCE", SourcePostgres)),
		StorefrontURL:   strings.TrimSpace(os.Getenv("STOREFRONT_URL")),
		StorefrontToken: strings.TrimSpace(os.Getenv("STOREFRONT_TOKEN")),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.AuthRateLimit, err = positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.MaxJSONBodySize, err = positiveInt64("MAX_JSON_BODY_SIZE", defaultMaxJSONBodySize); err != nil {
		return Config{}, err
	}
	if cfg.MetadataFetchConcurrency, err = positiveInt("METADATA_FETCH_CONCURRENCY", defaultMetadataFetchConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.MetadataFetchTimeout, err = positiveDuration("METADATA_FETCH_TIMEOUT", defaultMetadataFetchTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MetadataCacheTTL, err = positiveDuration("METADATA_CACHE_TTL", defaultMetadataCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.CheckHistoryLimit, err = positiveInt("CHECK_HISTORY_LIMIT", defaultCheckHistoryLimit); err != nil {
		return Config{}, err
	}

	switch cfg.MetadataSource {
	case SourcePostgres:
	case SourceStorefront:
		if cfg.StorefrontURL == "" {
			return Config{}, errors.New("STOREFRONT_URL is required when METADATA_SOURCE is storefront")
		}
		if cfg.StorefrontToken == "" {
			return Config{}, errors.New("STOREFRONT_TOKEN is required when METADATA_SOURCE is storefront")
		}
	default:
		return Config{}, fmt.Errorf("METADATA_SOURCE must be %q or %q", SourcePostgres, SourceStorefront)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func positiveInt64(key string, fallback int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}
