package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/oakmist/storefront/internal/domain"
	"github.com/oakmist/storefront/internal/event"
	"github.com/oakmist/storefront/internal/storage"
	apperrors "github.com/oakmist/storefront/pkg/errors"
	"github.com/oakmist/storefront/pkg/logger"
)

// cartKey is the fixed persistence key. The stored value is the JSON item
// array, not the derived totals.
const cartKey = "cart"

// AddItemInput describes a product variant being added to the cart.
type AddItemInput struct {
	VariantID    string
	ProductID    string
	Name         string
	VariantLabel string
	ImageRef     string
	UnitPrice    float64
	Quantity     int
}

// Store holds the cart in memory and writes every mutation through to
// durable storage. All methods are safe for concurrent use; mutations are
// serialized so persisted snapshots never interleave.
type Store struct {
	mu      sync.Mutex
	cart    domain.Cart
	storage storage.Store
	events  event.Publisher
	log     *slog.Logger

	// onOpen is signaled after a successful add so the caller can surface
	// the cart to the shopper. Optional.
	onOpen func()
}

// Option configures a Store.
type Option func(*Store)

// WithOnOpen registers a callback invoked after each successful add.
func WithOnOpen(fn func()) Option {
	return func(s *Store) { s.onOpen = fn }
}

// NewStore creates a cart store rehydrated from durable storage. A missing
// or unreadable stored value yields an empty cart; rehydration never fails.
func NewStore(ctx context.Context, st storage.Store, events event.Publisher, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		storage: st,
		events:  events,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := st.Get(ctx, cartKey)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		// First run, nothing to restore.
	case err != nil:
		log.WarnContext(ctx, "cart rehydration failed, starting empty", "error", err)
	default:
		var items []domain.CartItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			log.WarnContext(ctx, "stored cart is unreadable, starting empty", "error", err)
		} else {
			s.cart.Items = items
		}
	}

	return s
}

// AddItem adds a variant to the cart. Adding a variant that is already
// present increments that line's quantity; the existing line keeps its
// identity and display fields. Returns the resulting snapshot.
func (s *Store) AddItem(ctx context.Context, input AddItemInput) (domain.Snapshot, error) {
	if err := validateInput(input); err != nil {
		return domain.Snapshot{}, err
	}

	s.mu.Lock()
	if i := s.cart.FindByVariant(input.VariantID); i >= 0 {
		s.cart.Items[i].Quantity += input.Quantity
	} else {
		s.cart.Items = append(s.cart.Items, domain.CartItem{
			LineID:       uuid.New().String(),
			VariantID:    input.VariantID,
			ProductID:    input.ProductID,
			Name:         input.Name,
			VariantLabel: input.VariantLabel,
			ImageRef:     input.ImageRef,
			UnitPrice:    input.UnitPrice,
			Quantity:     input.Quantity,
		})
	}
	snap, err := s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return domain.Snapshot{}, err
	}

	if s.onOpen != nil {
		s.onOpen()
	}
	s.publishUpdated(ctx, snap)
	return snap, nil
}

// RemoveItem removes the line with the given ID. Removing an absent line is
// a no-op that still returns the current snapshot.
func (s *Store) RemoveItem(ctx context.Context, lineID string) (domain.Snapshot, error) {
	s.mu.Lock()
	i := s.cart.FindByLine(lineID)
	if i < 0 {
		snap := s.cart.Snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	s.cart.Items = append(s.cart.Items[:i], s.cart.Items[i+1:]...)
	snap, err := s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return domain.Snapshot{}, err
	}

	s.publishUpdated(ctx, snap)
	return snap, nil
}

// SetQuantity replaces a line's quantity. A quantity of zero or less removes
// the line. Updating an absent line is a no-op.
func (s *Store) SetQuantity(ctx context.Context, lineID string, quantity int) (domain.Snapshot, error) {
	if quantity <= 0 {
		return s.RemoveItem(ctx, lineID)
	}

	s.mu.Lock()
	i := s.cart.FindByLine(lineID)
	if i < 0 {
		snap := s.cart.Snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	s.cart.Items[i].Quantity = quantity
	snap, err := s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return domain.Snapshot{}, err
	}

	s.publishUpdated(ctx, snap)
	return snap, nil
}

// Clear empties the cart and removes the persisted value.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cart.Items = nil
	err := s.storage.Delete(ctx, cartKey)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	if err := s.events.CartCleared(ctx); err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to publish cart.cleared", "error", err)
	}
	return nil
}

// Snapshot returns the current cart with derived totals.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Snapshot()
}

// persistLocked writes the item array through to storage and returns the
// resulting snapshot. Caller must hold the mutex.
func (s *Store) persistLocked(ctx context.Context) (domain.Snapshot, error) {
	raw, err := json.Marshal(s.cart.Items)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("encode cart: %w", err)
	}
	if err := s.storage.Set(ctx, cartKey, string(raw)); err != nil {
		return domain.Snapshot{}, fmt.Errorf("persist cart: %w", err)
	}
	return s.cart.Snapshot(), nil
}

func (s *Store) publishUpdated(ctx context.Context, snap domain.Snapshot) {
	if err := s.events.CartUpdated(ctx, snap); err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to publish cart.updated", "error", err)
	}
}

func validateInput(input AddItemInput) error {
	if input.VariantID == "" {
		return apperrors.InvalidInput("variant id is required")
	}
	if input.Quantity < 1 {
		return apperrors.InvalidInput("quantity must be at least 1")
	}
	if math.IsNaN(input.UnitPrice) || math.IsInf(input.UnitPrice, 0) || input.UnitPrice < 0 {
		return apperrors.InvalidInput("unit price must be a non-negative number")
	}
	return nil
}
