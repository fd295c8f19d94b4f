package marker

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreClaimConfirmDelete(t *testing.T) {
	client := newRedisTestClient(t)
	store := NewRedisStore(client, "pushrelay:test:"+uuid.NewString())
	exerciseStore(t, store)
}

func TestPostgresStoreClaimConfirmDelete(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run postgres integration tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}

	store, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)
	exerciseStore(t, store)
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	itemID := time.Now().UnixNano() % 1_000_000_000
	if itemID <= 0 {
		itemID = 1
	}
	t.Cleanup(func() { _ = store.Delete(context.Background(), itemID) })

	require.NoError(t, store.Claim(ctx, itemID))
	assert.ErrorIs(t, store.Claim(ctx, itemID), ErrExists)

	sentAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Put(ctx, itemID, Marker{State: StateConfirmed, SentAt: sentAt, CampaignID: 77}))
	got, ok, err := store.Get(ctx, itemID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateConfirmed, got.State)
	assert.Equal(t, int64(77), got.CampaignID)
	assert.True(t, got.SentAt.Equal(sentAt), "sent_at %s != %s", got.SentAt, sentAt)

	require.NoError(t, store.Delete(ctx, itemID))
	_, ok, err = store.Get(ctx, itemID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   15,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
