package persist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "roomState")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "roomState", []byte(`{"roomCode":"ABC123"}`)))
	got, err := kv.Get(ctx, "roomState")
	require.NoError(t, err)
	assert.JSONEq(t, `{"roomCode":"ABC123"}`, string(got))

	require.NoError(t, kv.Set(ctx, "roomState", []byte(`{}`)))
	got, err = kv.Get(ctx, "roomState")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))

	require.NoError(t, kv.Delete(ctx, "roomState"))
	_, err = kv.Get(ctx, "roomState")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Delete(ctx, "never-set"))
}

func TestMemoryKV(t *testing.T) {
	exercise(t, NewMemoryKV())
}

func TestMemoryKV_CopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	val := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", val))
	val[0] = 'x'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func newRedisKV(t *testing.T, ttl time.Duration) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisKV(client, "test:", ttl), mr
}

func TestRedisKV(t *testing.T) {
	kv, mr := newRedisKV(t, time.Minute)
	exercise(t, kv)

	require.NoError(t, kv.Set(context.Background(), "gameState", []byte("{}")))
	assert.True(t, mr.Exists("test:gameState"))
}

func TestRedisKV_Expires(t *testing.T) {
	kv, mr := newRedisKV(t, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "roomState", []byte("{}")))
	assert.Equal(t, 5*time.Minute, mr.TTL("test:roomState"))

	mr.FastForward(6 * time.Minute)
	_, err := kv.Get(ctx, "roomState")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisKV_ServerDown(t *testing.T) {
	kv, mr := newRedisKV(t, time.Minute)
	mr.Close()

	_, err := kv.Get(context.Background(), "roomState")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
