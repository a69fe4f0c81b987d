package catalog_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/catalog"
)

func TestIndexResolveByLooseKeys(t *testing.T) {
	idx := catalog.NewIndex(catalog.Item{ID: "p-1", Name: "Green Tea", Code: "GT01", Price: decimal.NewFromInt(40)})

	byID, err := idx.Resolve("p-1")
	require.NoError(t, err)
	require.Equal(t, "p-1", byID.ID)

	byCode, err := idx.Resolve(" gt01 ")
	require.NoError(t, err)
	require.Equal(t, "p-1", byCode.ID)

	byKey, err := idx.Resolve("green tea  (GT01)")
	require.NoError(t, err)
	require.Equal(t, "p-1", byKey.ID)

	_, err = idx.Resolve("Black Tea")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

type countingSearcher struct {
	calls int
}

func (s *countingSearcher) SearchCatalog(_ context.Context, text string) ([]catalog.Item, error) {
	s.calls++
	return []catalog.Item{{ID: "p-" + text, Name: text}}, nil
}

func TestCachedSearcherHitsRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	next := &countingSearcher{}
	searcher := catalog.CachedSearcher{
		Next:      next,
		Cache:     catalog.NewCache(client, time.Minute, "test:"),
		CompanyID: "c1",
		Logger:    zerolog.Nop(),
	}
	ctx := context.Background()

	first, err := searcher.SearchCatalog(ctx, "tea")
	require.NoError(t, err)
	second, err := searcher.SearchCatalog(ctx, "  TEA ")
	require.NoError(t, err)

	require.Equal(t, 1, next.calls)
	require.Len(t, second, 1)
	require.Equal(t, first[0].ID, second[0].ID)
	require.True(t, mr.Exists("test:catalog:search:c1:tea"))
}

func TestCachedSearcherWithoutRedis(t *testing.T) {
	next := &countingSearcher{}
	searcher := catalog.CachedSearcher{Next: next, Cache: catalog.NewCache(nil, time.Minute, ""), Logger: zerolog.Nop()}

	_, err := searcher.SearchCatalog(context.Background(), "tea")
	require.NoError(t, err)
	_, err = searcher.SearchCatalog(context.Background(), "tea")
	require.NoError(t, err)
	require.Equal(t, 2, next.calls)
}
