package transient

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreValueExpires(t *testing.T) {
	client := newRedisTestClient(t)
	ctx := context.Background()
	store := NewRedisStore(client, "pushrelay:test:"+uuid.NewString())

	require.NoError(t, store.Set(ctx, "lock:7", "owner", 150*time.Millisecond))
	value, ok, err := store.Get(ctx, "lock:7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner", value)

	time.Sleep(250 * time.Millisecond)
	_, ok, err = store.Get(ctx, "lock:7")
	require.NoError(t, err)
	assert.False(t, ok, "value should expire")
}

func TestRedisStoreDelete(t *testing.T) {
	client := newRedisTestClient(t)
	ctx := context.Background()
	store := NewRedisStore(client, "pushrelay:test:"+uuid.NewString())

	require.NoError(t, store.Set(ctx, "lock:8", "owner", time.Minute))
	require.NoError(t, store.Delete(ctx, "lock:8"))
	_, ok, err := store.Get(ctx, "lock:8")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreDeleteIfValue(t *testing.T) {
	client := newRedisTestClient(t)
	ctx := context.Background()
	store := NewRedisStore(client, "pushrelay:test:"+uuid.NewString())

	require.NoError(t, store.Set(ctx, "lock:9", "owner-a", time.Minute))
	deleted, err := store.DeleteIfValue(ctx, "lock:9", "owner-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = store.DeleteIfValue(ctx, "lock:9", "owner-a")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, ok, err := store.Get(ctx, "lock:9")
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
