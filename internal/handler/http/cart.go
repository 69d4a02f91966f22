package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oakmist/storefront/internal/cart"
	"github.com/oakmist/storefront/pkg/httputil"
	"github.com/oakmist/storefront/pkg/validator"
)

// CartHandler serves the cart endpoints.
type CartHandler struct {
	store *cart.Store
	log   *slog.Logger
}

// NewCartHandler creates a cart handler.
func NewCartHandler(store *cart.Store, log *slog.Logger) *CartHandler {
	return &CartHandler{store: store, log: log}
}

// Routes mounts the cart endpoints on the given router.
func (h *CartHandler) Routes(r chi.Router) {
	r.Get("/", h.Get)
	r.Delete("/", h.Clear)
	r.Post("/items", h.AddItem)
	r.Put("/items/{lineID}", h.UpdateQuantity)
	r.Delete("/items/{lineID}", h.RemoveItem)
}

// Get returns the current cart snapshot.
func (h *CartHandler) Get(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.store.Snapshot()})
}

type addItemRequest struct {
	VariantID    string  `json:"variant_id" validate:"required"`
	ProductID    string  `json:"product_id" validate:"required"`
	Name         string  `json:"name" validate:"required"`
	VariantLabel string  `json:"variant_label"`
	ImageRef     string  `json:"image_ref"`
	UnitPrice    float64 `json:"unit_price" validate:"gte=0"`
	Quantity     int     `json:"quantity" validate:"required,min=1"`
}

// AddItem adds a variant to the cart, merging with an existing line for the
// same variant.
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	snap, err := h.store.AddItem(r.Context(), cart.AddItemInput{
		VariantID:    req.VariantID,
		ProductID:    req.ProductID,
		Name:         req.Name,
		VariantLabel: req.VariantLabel,
		ImageRef:     req.ImageRef,
		UnitPrice:    req.UnitPrice,
		Quantity:     req.Quantity,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.log)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: snap})
}

type updateQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required,gte=0"`
}

// UpdateQuantity replaces a line's quantity. Zero removes the line.
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req updateQuantityRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	snap, err := h.store.SetQuantity(r.Context(), chi.URLParam(r, "lineID"), *req.Quantity)
	if err != nil {
		httputil.WriteError(w, r, err, h.log)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: snap})
}

// RemoveItem removes a line from the cart.
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.RemoveItem(r.Context(), chi.URLParam(r, "lineID"))
	if err != nil {
		httputil.WriteError(w, r, err, h.log)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: snap})
}

// Clear empties the cart.
func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		httputil.WriteError(w, r, err, h.log)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.store.Snapshot()})
}
