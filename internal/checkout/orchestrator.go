package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oakmist/storefront/internal/domain"
	"github.com/oakmist/storefront/internal/event"
	"github.com/oakmist/storefront/internal/storage"
	apperrors "github.com/oakmist/storefront/pkg/errors"
	"github.com/oakmist/storefront/pkg/httpclient"
	"github.com/oakmist/storefront/pkg/logger"
	"github.com/oakmist/storefront/pkg/validator"
)

// sessionKey is the fixed persistence key for the pending checkout session.
const sessionKey = "pendingCheckout"

var (
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_sessions_total",
			Help: "Checkout session creation attempts by result.",
		},
		[]string{"result"},
	)
	paymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_payments_total",
			Help: "Payment confirmation attempts by outcome.",
		},
		[]string{"outcome"},
	)
	resumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_checkout_resumes_total",
			Help: "Session resume attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// CartClearer empties the cart after a completed payment.
type CartClearer interface {
	Clear(ctx context.Context) error
}

// Config holds the orchestrator's settings.
type Config struct {
	// BackendBaseURL is the storefront backend API root, without trailing slash.
	BackendBaseURL string

	// SessionTTL bounds how long a persisted session stays resumable.
	SessionTTL time.Duration

	// PollInterval is the delay between payment status polls.
	PollInterval time.Duration

	// PollTimeout bounds the total polling duration per confirmation.
	PollTimeout time.Duration

	// OnPaid is invoked once per completed payment with the order number.
	// Optional.
	OnPaid func(orderNumber string)
}

// Orchestrator drives a checkout through its lifecycle: a session is
// requested from the backend, persisted so a crash or restart can resume it,
// confirmed with the payment processor, and completed exactly once. At most
// one checkout is in flight at a time.
type Orchestrator struct {
	mu      sync.Mutex
	state   domain.CheckoutState
	session *domain.CheckoutSession
	poll    *PollHandle

	backend   httpclient.Doer
	confirmer PaymentConfirmer
	storage   storage.Store
	cart      CartClearer
	events    event.Publisher
	log       *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator in the Idle state. Call Resume to
// restore a persisted session.
func NewOrchestrator(backend httpclient.Doer, confirmer PaymentConfirmer, st storage.Store,
	cart CartClearer, events event.Publisher, cfg Config, log *slog.Logger) *Orchestrator {

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = domain.SessionTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}

	return &Orchestrator{
		state:     domain.StateIdle,
		backend:   backend,
		confirmer: confirmer,
		storage:   st,
		cart:      cart,
		events:    events,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// State returns the current checkout state and a copy of the active session,
// if any.
func (o *Orchestrator) State() (domain.CheckoutState, *domain.CheckoutSession) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return o.state, nil
	}
	s := *o.session
	return o.state, &s
}

// Begin marks the shopper as having entered the checkout form. It is a no-op
// when a session is already in flight.
func (o *Orchestrator) Begin() domain.CheckoutState {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case domain.StateIdle, domain.StateAbandoned, domain.StatePaid:
		o.state = domain.StateFormEntry
		o.session = nil
	}
	return o.state
}

// SessionItem is one purchased variant in a session request.
type SessionItem struct {
	Variant  string `json:"variant" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,min=1"`
}

// SessionRequest is the order payload sent to the backend to open a payment
// session. Field names follow the backend's wire contract.
type SessionRequest struct {
	Email     string        `json:"email" validate:"required,email"`
	FirstName string        `json:"first_name" validate:"required"`
	LastName  string        `json:"last_name" validate:"required"`
	Address   string        `json:"address" validate:"required"`
	City      string        `json:"city" validate:"required"`
	State     string        `json:"state" validate:"required"`
	Country   string        `json:"country" validate:"required"`
	ZipCode   string        `json:"zip_code" validate:"required"`
	Items     []SessionItem `json:"items" validate:"required,min=1,dive"`
}

type sessionResponse struct {
	ClientSecret    string `json:"client_secret"`
	OrderNumber     string `json:"order_number"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// StartSession opens a payment session with the backend. On success the
// session is persisted and the checkout moves to SessionActive; on failure
// the checkout returns to FormEntry and the backend's error is surfaced
// unchanged.
func (o *Orchestrator) StartSession(ctx context.Context, req SessionRequest) (domain.CheckoutSession, error) {
	if err := validator.Validate(req); err != nil {
		return domain.CheckoutSession{}, err
	}

	o.mu.Lock()
	switch o.state {
	case domain.StateIdle, domain.StateFormEntry, domain.StateAbandoned, domain.StatePaid:
		o.state = domain.StateSessionRequested
	default:
		o.mu.Unlock()
		return domain.CheckoutSession{}, apperrors.Conflict("a checkout session is already in progress")
	}
	o.mu.Unlock()

	session, err := o.createSession(ctx, req)
	o.mu.Lock()
	if err != nil {
		o.state = domain.StateFormEntry
		o.mu.Unlock()
		sessionsTotal.WithLabelValues("failed").Inc()
		return domain.CheckoutSession{}, err
	}
	o.session = &session
	o.state = domain.StateSessionActive
	o.mu.Unlock()
	sessionsTotal.WithLabelValues("created").Inc()

	o.persistSession(ctx, session)
	if err := o.events.CheckoutSessionCreated(ctx, session); err != nil {
		logger.WithContext(ctx, o.log).Warn("failed to publish checkout.session_created", "error", err)
	}

	return session, nil
}

func (o *Orchestrator) createSession(ctx context.Context, req SessionRequest) (domain.CheckoutSession, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("encode session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.BackendBaseURL+"/payments/checkout/", bytes.NewReader(payload))
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.backend.Do(ctx, httpReq)
	if err != nil {
		return domain.CheckoutSession{}, o.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.CheckoutSession{}, httpclient.ParseResponseError(resp, "checkout")
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("decode session response: %w", err)
	}
	if out.ClientSecret == "" || out.OrderNumber == "" {
		return domain.CheckoutSession{}, fmt.Errorf("session response missing client secret or order number")
	}

	return domain.NewCheckoutSession(out.ClientSecret, out.OrderNumber, out.PaymentIntentID, o.now()), nil
}

// ResumeOutcome reports what Resume found.
type ResumeOutcome string

const (
	// ResumeNone means no persisted session existed.
	ResumeNone ResumeOutcome = "none"
	// ResumeActive means the session is still payable and was restored.
	ResumeActive ResumeOutcome = "active"
	// ResumeCompleted means the payment already succeeded elsewhere.
	ResumeCompleted ResumeOutcome = "completed"
	// ResumeDiscardedExpired means the session outlived its TTL.
	ResumeDiscardedExpired ResumeOutcome = "discarded_expired"
	// ResumeDiscardedFailed means the payment terminally failed.
	ResumeDiscardedFailed ResumeOutcome = "discarded_failed"
	// ResumeDiscardedUnreadable means the stored value could not be used.
	ResumeDiscardedUnreadable ResumeOutcome = "discarded_unreadable"
)

// Resume restores a persisted checkout session. Expired sessions are
// discarded without contacting the backend. For a live session the current
// payment status decides: still payable restores SessionActive, a completed
// payment discards the session without re-confirming, and anything
// unreadable or terminally failed is discarded. Resume never returns an
// error that should abort startup.
func (o *Orchestrator) Resume(ctx context.Context) ResumeOutcome {
	outcome := o.resume(ctx)
	resumesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (o *Orchestrator) resume(ctx context.Context) ResumeOutcome {
	log := logger.WithContext(ctx, o.log)

	raw, err := o.storage.Get(ctx, sessionKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return ResumeNone
	}
	if err != nil {
		log.Warn("could not read persisted checkout session", "error", err)
		return ResumeNone
	}

	var session domain.CheckoutSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil || !session.Valid() {
		log.Warn("discarding persisted checkout session",
			"error", apperrors.Recovery("persisted checkout session is unreadable", err))
		o.discardSession(ctx, nil)
		return ResumeDiscardedUnreadable
	}

	if session.Expired(o.cfg.SessionTTL, o.now()) {
		log.Info("persisted checkout session expired, discarding",
			"order_number", session.OrderNumber)
		o.discardSession(ctx, &session)
		return ResumeDiscardedExpired
	}

	status, err := o.QueryStatus(ctx, session.PaymentIntentID)
	if err != nil {
		log.Warn("discarding persisted checkout session",
			"order_number", session.OrderNumber,
			"error", apperrors.Recovery("could not verify persisted checkout session", err))
		o.discardSession(ctx, &session)
		return ResumeDiscardedUnreadable
	}

	switch {
	case domain.IsSuccessPaymentStatus(status):
		log.Info("persisted checkout session already paid",
			"order_number", session.OrderNumber)
		if err := o.storage.Delete(ctx, sessionKey); err != nil {
			log.Warn("failed to remove completed checkout session", "error", err)
		}
		return ResumeCompleted
	case domain.IsFailurePaymentStatus(status):
		log.Info("persisted checkout session terminally failed, discarding",
			"order_number", session.OrderNumber, "status", status)
		o.discardSession(ctx, &session)
		return ResumeDiscardedFailed
	default:
		o.mu.Lock()
		o.session = &session
		o.state = domain.StateSessionActive
		o.mu.Unlock()
		log.Info("checkout session restored",
			"order_number", session.OrderNumber, "status", status)
		return ResumeActive
	}
}

// PaymentOutcome is the result of a confirmation attempt that did not error.
type PaymentOutcome string

const (
	// OutcomePaid means the payment completed and the checkout is done.
	OutcomePaid PaymentOutcome = "paid"
	// OutcomeProcessing means the processor has not settled yet; poll for
	// the final status.
	OutcomeProcessing PaymentOutcome = "processing"
)

// ConfirmPayment confirms the active session with the payment processor.
// A declined or invalid payment returns the checkout to SessionActive so the
// shopper can retry; a settled payment completes the checkout, clearing the
// persisted session and the cart exactly once.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, method PaymentMethod) (PaymentOutcome, error) {
	o.mu.Lock()
	if o.state != domain.StateSessionActive || o.session == nil {
		o.mu.Unlock()
		return "", apperrors.Conflict("no active checkout session to confirm")
	}
	session := *o.session
	o.state = domain.StateConfirming
	o.mu.Unlock()

	if err := validator.Validate(method); err != nil {
		o.revertToActive()
		paymentsTotal.WithLabelValues("invalid").Inc()
		return "", err
	}

	result, err := o.confirmer.Confirm(ctx, ConfirmRequest{
		ClientSecret:    session.ClientSecret,
		PaymentIntentID: session.PaymentIntentID,
		Method:          method,
	})
	if err != nil {
		o.revertToActive()
		paymentsTotal.WithLabelValues("error").Inc()
		return "", o.transportError(err)
	}

	switch {
	case domain.IsSuccessPaymentStatus(result.Status):
		o.completePayment(ctx)
		paymentsTotal.WithLabelValues("paid").Inc()
		return OutcomePaid, nil
	case domain.IsFailurePaymentStatus(result.Status):
		o.revertToActive()
		paymentsTotal.WithLabelValues("declined").Inc()
		msg := result.Message
		if msg == "" {
			msg = "payment was declined"
		}
		return "", apperrors.PaymentDeclined(msg)
	default:
		// Non-terminal: the checkout returns to SessionActive so the
		// shopper can retry or abandon while the poller watches for the
		// settled status.
		o.revertToActive()
		paymentsTotal.WithLabelValues("processing").Inc()
		return OutcomeProcessing, nil
	}
}

// QueryStatus asks the backend for the current status of a payment intent.
func (o *Orchestrator) QueryStatus(ctx context.Context, paymentIntentID string) (string, error) {
	if paymentIntentID == "" {
		return "", apperrors.InvalidInput("payment intent id is required")
	}

	u := o.cfg.BackendBaseURL + "/payments/status?pi=" + url.QueryEscape(paymentIntentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}

	resp, err := o.backend.Do(ctx, req)
	if err != nil {
		return "", o.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", httpclient.ParseResponseError(resp, "payments")
	}

	var out struct {
		OrderNumber   string `json:"order_number"`
		OrderStatus   string `json:"order_status"`
		PaymentStatus string `json:"payment_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	if out.PaymentStatus == "" {
		return "", fmt.Errorf("status response missing payment_status")
	}
	return out.PaymentStatus, nil
}

// Abandon discards the active session without completing payment. Any
// in-flight status poll is canceled.
func (o *Orchestrator) Abandon(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case domain.StateFormEntry, domain.StateSessionActive:
	default:
		o.mu.Unlock()
		return apperrors.Conflict("no abandonable checkout in progress")
	}
	session := o.session
	o.session = nil
	o.state = domain.StateAbandoned
	o.mu.Unlock()

	o.StopPolling()
	o.discardSession(ctx, session)
	return nil
}

// completePayment finishes the checkout exactly once: the persisted session
// and the cart are cleared only on the first transition to Paid. The poller
// reaches this from SessionActive after a processing confirmation.
func (o *Orchestrator) completePayment(ctx context.Context) {
	o.mu.Lock()
	if o.session == nil ||
		(o.state != domain.StateConfirming && o.state != domain.StateSessionActive) {
		o.mu.Unlock()
		return
	}
	session := *o.session
	o.session = nil
	o.state = domain.StatePaid
	o.mu.Unlock()

	log := logger.WithContext(ctx, o.log)

	if err := o.storage.Delete(ctx, sessionKey); err != nil {
		log.Warn("failed to remove completed checkout session", "error", err)
	}
	if err := o.cart.Clear(ctx); err != nil {
		log.Warn("failed to clear cart after payment", "error", err)
	}
	if err := o.events.CheckoutPaid(ctx, session.OrderNumber, session.PaymentIntentID); err != nil {
		log.Warn("failed to publish checkout.paid", "error", err)
	}
	if o.cfg.OnPaid != nil {
		o.cfg.OnPaid(session.OrderNumber)
	}

	log.Info("payment completed", "order_number", session.OrderNumber)
}

func (o *Orchestrator) revertToActive() {
	o.mu.Lock()
	if o.state == domain.StateConfirming {
		o.state = domain.StateSessionActive
	}
	o.mu.Unlock()
}

// persistSession writes the session through to storage. A write failure is
// logged but does not fail the checkout; the in-memory session stays usable.
func (o *Orchestrator) persistSession(ctx context.Context, session domain.CheckoutSession) {
	raw, err := json.Marshal(session)
	if err != nil {
		logger.WithContext(ctx, o.log).Error("failed to encode checkout session", "error", err)
		return
	}
	if err := o.storage.Set(ctx, sessionKey, string(raw)); err != nil {
		logger.WithContext(ctx, o.log).Warn("failed to persist checkout session", "error", err)
	}
}

// discardSession removes the persisted session and reports the abandonment.
func (o *Orchestrator) discardSession(ctx context.Context, session *domain.CheckoutSession) {
	log := logger.WithContext(ctx, o.log)

	if err := o.storage.Delete(ctx, sessionKey); err != nil {
		log.Warn("failed to remove persisted checkout session", "error", err)
	}
	if session != nil {
		if err := o.events.CheckoutAbandoned(ctx, *session); err != nil {
			log.Warn("failed to publish checkout.abandoned", "error", err)
		}
	}
}

// transportError maps raw transport failures to a gateway error while
// letting structured application errors pass through.
func (o *Orchestrator) transportError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Network(err)
}
