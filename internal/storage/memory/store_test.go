package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmist/storefront/internal/storage"
)

func TestStore_SetGetDelete(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "cart")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	require.NoError(t, store.Set(ctx, "cart", "a"))
	require.NoError(t, store.Set(ctx, "cart", "b"))

	val, err := store.Get(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, "b", val)

	require.NoError(t, store.Delete(ctx, "cart"))
	_, err = store.Get(ctx, "cart")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	assert.NoError(t, store.Delete(ctx, "cart"))
}
