package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oakmist/storefront/internal/checkout"
	"github.com/oakmist/storefront/internal/domain"
	"github.com/oakmist/storefront/pkg/httputil"
	"github.com/oakmist/storefront/pkg/validator"
)

// CheckoutHandler serves the checkout endpoints.
type CheckoutHandler struct {
	orch *checkout.Orchestrator
	log  *slog.Logger
}

// NewCheckoutHandler creates a checkout handler.
func NewCheckoutHandler(orch *checkout.Orchestrator, log *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{orch: orch, log: log}
}

// Routes mounts the checkout endpoints on the given router.
func (h *CheckoutHandler) Routes(r chi.Router) {
	r.Get("/", h.State)
	r.Post("/begin", h.Begin)
	r.Post("/session", h.StartSession)
	r.Post("/confirm", h.Confirm)
	r.Post("/abandon", h.Abandon)
	r.Get("/status", h.Status)
}

type stateResponse struct {
	State   domain.CheckoutState    `json:"state"`
	Session *domain.CheckoutSession `json:"session,omitempty"`
}

// State returns the current checkout state and active session.
func (h *CheckoutHandler) State(w http.ResponseWriter, r *http.Request) {
	state, session := h.orch.State()
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: stateResponse{State: state, Session: session},
	})
}

// Begin marks the shopper as having entered the checkout form.
func (h *CheckoutHandler) Begin(w http.ResponseWriter, r *http.Request) {
	state := h.orch.Begin()
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: stateResponse{State: state},
	})
}

// StartSession opens a payment session with the backend.
func (h *CheckoutHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req checkout.SessionRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	session, err := h.orch.StartSession(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err, h.log)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{
		Data: stateResponse{State: domain.StateSessionActive, Session: &session},
	})
}

type confirmResponse struct {
	Status      string `json:"status"`
	OrderNumber string `json:"order_number,omitempty"`
}

// Confirm submits the payment method for the active session. A payment that
// is still processing starts a background poll and answers 202.
func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var method checkout.PaymentMethod
	if err := validator.DecodeAndValidate(r, &method); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	_, session := h.orch.State()

	outcome, err := h.orch.ConfirmPayment(r.Context(), method)
	if err != nil {
		var valErr *validator.ValidationError
		if errors.As(err, &valErr) {
			httputil.WriteValidationError(w, err)
			return
		}
		httputil.WriteError(w, r, err, h.log)
		return
	}

	switch outcome {
	case checkout.OutcomePaid:
		resp := confirmResponse{Status: "paid"}
		if session != nil {
			resp.OrderNumber = session.OrderNumber
		}
		httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: resp})
	default:
		h.orch.StartPolling(r.Context())
		httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{
			Data: confirmResponse{Status: "processing"},
		})
	}
}

// Abandon discards the active checkout.
func (h *CheckoutHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Abandon(r.Context()); err != nil {
		httputil.WriteError(w, r, err, h.log)
		return
	}

	state, _ := h.orch.State()
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: stateResponse{State: state},
	})
}

// Status passes a payment status query through to the backend.
func (h *CheckoutHandler) Status(w http.ResponseWriter, r *http.Request) {
	pi := r.URL.Query().Get("pi")

	status, err := h.orch.QueryStatus(r.Context(), pi)
	if err != nil {
		httputil.WriteError(w, r, err, h.log)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: map[string]string{"status": status},
	})
}
