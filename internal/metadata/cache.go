package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTTL = 5 * time.Minute
	cacheKeyPrefix  = "compatz:decl:"
	// negativeEntry marks a variant known to have no declaration.
	negativeEntry = "null"
)

// CacheRecorder observes cache lookups.
type CacheRecorder interface {
	RecordCacheLookup(hits, misses int)
}

// CacheOption configures a [CachedSource].
type CacheOption func(*CachedSource)

// WithCacheTTL sets the lifetime of cached entries.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedSource) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLogger sets the logger used for cache errors.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CachedSource) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheRecorder reports hit and miss counts to r.
func WithCacheRecorder(r CacheRecorder) CacheOption {
	return func(c *CachedSource) {
		c.recorder = r
	}
}

// CachedSource is a read-through Redis cache in front of another [Source].
// Variants the underlying source reports without a declaration are cached
// as negative entries. Redis failures are logged and bypass the cache.
type CachedSource struct {
	client   redis.UniversalClient
	next     Source
	ttl      time.Duration
	logger   *slog.Logger
	recorder CacheRecorder
}

// NewCachedSource wraps next with a cache backed by client.
func NewCachedSource(client redis.UniversalClient, next Source, opts ...CacheOption) *CachedSource {
	c := &CachedSource{
		client: client,
		next:   next,
		ttl:    defaultCacheTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchDeclarations implements [Source].
func (c *CachedSource) FetchDeclarations(ctx context.Context, shopID string, variantIDs []string) (map[string]json.RawMessage, error) {
	found := make(map[string]json.RawMessage, len(variantIDs))
	if len(variantIDs) == 0 {
		return found, nil
	}

	missing, err := c.readCached(ctx, shopID, variantIDs, found)
	if err != nil {
		c.logger.WarnContext(ctx, "declaration cache read failed",
			slog.String("shop_id", shopID),
			slog.String("error", err.Error()),
		)
		return c.next.FetchDeclarations(ctx, shopID, variantIDs)
	}
	if c.recorder != nil {
		c.recorder.RecordCacheLookup(len(variantIDs)-len(missing), len(missing))
	}
	if len(missing) == 0 {
		return found, nil
	}

	fetched, err := c.next.FetchDeclarations(ctx, shopID, missing)
	if err != nil {
		return nil, err
	}

	for id, payload := range fetched {
		found[id] = payload
	}

	if err := c.writeCached(ctx, shopID, missing, fetched); err != nil {
		c.logger.WarnContext(ctx, "declaration cache write failed",
			slog.String("shop_id", shopID),
			slog.String("error", err.Error()),
		)
	}

	return found, nil
}

// Invalidate drops the cached declaration of one variant.
func (c *CachedSource) Invalidate(ctx context.Context, shopID, variantID string) error {
	if err := c.client.Del(ctx, cacheKey(shopID, variantID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (c *CachedSource) readCached(ctx context.Context, shopID string, variantIDs []string, found map[string]json.RawMessage) ([]string, error) {
	keys := make([]string, len(variantIDs))
	for i, id := range variantIDs {
		keys[i] = cacheKey(shopID, id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	missing := make([]string, 0)
	for i, id := range variantIDs {
		if i >= len(values) || values[i] == nil {
			missing = append(missing, id)
			continue
		}
		raw, ok := values[i].(string)
		if !ok {
			missing = append(missing, id)
			continue
		}
		if raw == negativeEntry {
			continue
		}
		found[id] = json.RawMessage(raw)
	}

	return missing, nil
}

func (c *CachedSource) writeCached(ctx context.Context, shopID string, variantIDs []string, fetched map[string]json.RawMessage) error {
	pipe := c.client.Pipeline()
	for _, id := range variantIDs {
		value := negativeEntry
		if payload, ok := fetched[id]; ok && len(payload) > 0 {
			value = string(payload)
		}
		pipe.Set(ctx, cacheKey(shopID, id), value, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func cacheKey(shopID, variantID string) string {
	return fmt.Sprintf("%s%s:%s", cacheKeyPrefix, shopID, variantID)
}
