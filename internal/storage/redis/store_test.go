package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmist/storefront/internal/storage"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewStore(client, "storefront:", 0), mr
}

func TestStore_SetGet(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cart", `{"items":[]}`))

	val, err := store.Get(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, val)
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.Get(context.Background(), "pendingCheckout")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStore_Overwrite(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cart", "old"))
	require.NoError(t, store.Set(ctx, "cart", "new"))

	val, err := store.Get(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, "new", val)
}

func TestStore_Delete(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cart", "value"))
	require.NoError(t, store.Delete(ctx, "cart"))

	_, err := store.Get(ctx, "cart")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStore_DeleteAbsent(t *testing.T) {
	store, _ := setupStore(t)

	assert.NoError(t, store.Delete(context.Background(), "nothing"))
}

func TestStore_KeyPrefix(t *testing.T) {
	store, mr := setupStore(t)

	require.NoError(t, store.Set(context.Background(), "cart", "value"))
	assert.True(t, mr.Exists("storefront:cart"))
}

func TestStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewStore(client, "storefront:", time.Minute)
	require.NoError(t, store.Set(context.Background(), "pendingCheckout", "value"))

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(context.Background(), "pendingCheckout")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}
