package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/estatehub/estatehub/testing"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Options{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
}

func TestAsynqOptionsMirrorRedis(t *testing.T) {
	opts := Options{Addr: "redis:6379", Password: "secret", DB: 2, PoolSize: 8}
	got := opts.Asynq()
	assert.Equal(t, "redis:6379", got.Addr)
	assert.Equal(t, "secret", got.Password)
	assert.Equal(t, 2, got.DB)
	assert.Equal(t, 8, got.PoolSize)
}
