package redisstore_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/session"
	"github.com/noah-isme/backend-pos/internal/store/redisstore"
	"github.com/noah-isme/backend-pos/internal/store/storetest"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client, "pos:"), mr
}

func TestRedisStore(t *testing.T) {
	store, _ := newStore(t)
	storetest.Run(t, store)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	store, mr := newStore(t)
	sess, err := session.Open("T9", "tab", decimal.NewFromInt(10), time.Now())
	require.NoError(t, err)
	require.NoError(t, store.SaveSession(context.Background(), sess))
	require.True(t, mr.Exists("pos:session:T9"))
	require.Equal(t, "string", mr.Type("pos:session:T9"))
}

func TestRedisStoreRequiresClient(t *testing.T) {
	var store redisstore.Store
	_, _, err := store.LoadSession(context.Background(), "T1")
	require.Error(t, err)
}
