package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache wraps Redis helpers for JSON payloads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCache constructs a cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration, prefix string) *Cache {
	return &Cache{client: client, ttl: ttl, prefix: prefix}
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || key == "" || c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// Searcher performs a catalog text search.
type Searcher interface {
	SearchCatalog(ctx context.Context, text string) ([]Item, error)
}

// CachedSearcher memoises search results per company and normalised query.
type CachedSearcher struct {
	Next      Searcher
	Cache     *Cache
	CompanyID string
	Logger    zerolog.Logger
}

// SearchCatalog serves from cache when possible and falls through to Next otherwise.
// Cache failures are logged and never fail the search.
func (s CachedSearcher) SearchCatalog(ctx context.Context, text string) ([]Item, error) {
	if s.Next == nil {
		return nil, errors.New("catalog: searcher not configured")
	}
	key := "catalog:search:" + s.CompanyID + ":" + normalise(text)
	var cached []Item
	hit, err := s.Cache.GetJSON(ctx, key, &cached)
	if err != nil {
		s.Logger.Warn().Err(err).Str("query", strings.TrimSpace(text)).Msg("catalog cache read")
	}
	if hit {
		return cached, nil
	}
	items, err := s.Next.SearchCatalog(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.SetJSON(ctx, key, items); err != nil {
		s.Logger.Warn().Err(err).Str("query", strings.TrimSpace(text)).Msg("catalog cache write")
	}
	return items, nil
}
