package gateway

import (
	"context"
	"fmt"

	"github.com/oakmist/storefront/internal/storage"
)

const userKey = "user"

// StoredCredentials keeps the cached user identity in a key/value store and
// clears it on forced logout.
type StoredCredentials struct {
	store storage.Store
}

// NewStoredCredentials creates a credential cache over the given store.
func NewStoredCredentials(store storage.Store) *StoredCredentials {
	return &StoredCredentials{store: store}
}

// ClearCredentials removes the cached identity. Clearing an already-empty
// cache is not an error.
func (s *StoredCredentials) ClearCredentials(ctx context.Context) error {
	if err := s.store.Delete(ctx, userKey); err != nil {
		return fmt.Errorf("clear cached user: %w", err)
	}
	return nil
}
