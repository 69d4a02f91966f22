package domain

import (
	"strings"
	"time"
)

// CheckoutState identifies a position in the checkout state machine.
type CheckoutState string

// Checkout state constants.
const (
	StateIdle             CheckoutState = "idle"
	StateFormEntry        CheckoutState = "form_entry"
	StateSessionRequested CheckoutState = "session_requested"
	StateSessionActive    CheckoutState = "session_active"
	StateConfirming       CheckoutState = "confirming"
	StatePaid             CheckoutState = "paid"
	StateAbandoned        CheckoutState = "abandoned"
)

// SessionTTL is how long a persisted checkout session stays resumable.
const SessionTTL = 24 * time.Hour

// CheckoutSession is the persisted record of an in-progress payment attempt.
// The JSON field names are the storage contract and must not change.
type CheckoutSession struct {
	ClientSecret    string `json:"clientSecret"`
	OrderNumber     string `json:"orderNumber"`
	PaymentIntentID string `json:"paymentIntentId"`
	Timestamp       int64  `json:"timestamp"` // epoch milliseconds
}

// NewCheckoutSession builds a session from a backend response, deriving the
// payment intent ID from the client secret when the backend omits it.
func NewCheckoutSession(clientSecret, orderNumber, paymentIntentID string, now time.Time) CheckoutSession {
	if paymentIntentID == "" {
		paymentIntentID = DerivePaymentIntentID(clientSecret)
	}
	return CheckoutSession{
		ClientSecret:    clientSecret,
		OrderNumber:     orderNumber,
		PaymentIntentID: paymentIntentID,
		Timestamp:       now.UnixMilli(),
	}
}

// CreatedAt returns the session creation time.
func (s *CheckoutSession) CreatedAt() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Expired reports whether the session is older than the given TTL.
func (s *CheckoutSession) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.CreatedAt()) >= ttl
}

// Valid reports whether the session carries everything needed to resume.
func (s *CheckoutSession) Valid() bool {
	return s.ClientSecret != "" && s.OrderNumber != "" && s.PaymentIntentID != ""
}

// DerivePaymentIntentID extracts the payment intent ID from a client secret
// of the form "<intent>_secret_<nonce>". This mirrors the payment processor's
// token format and is a compatibility requirement, not a design choice.
func DerivePaymentIntentID(clientSecret string) string {
	intent, _, _ := strings.Cut(clientSecret, "_secret_")
	return intent
}

// Remote payment status values reported by the backend.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusSucceeded  = "succeeded"
	PaymentStatusPaid       = "paid"
	PaymentStatusFailed     = "failed"
	PaymentStatusCanceled   = "canceled"
)

// IsSuccessPaymentStatus reports whether the status is a terminal success.
func IsSuccessPaymentStatus(status string) bool {
	return status == PaymentStatusSucceeded || status == PaymentStatusPaid
}

// IsFailurePaymentStatus reports whether the status is a terminal failure.
func IsFailurePaymentStatus(status string) bool {
	return status == PaymentStatusFailed || status == PaymentStatusCanceled
}

// IsTerminalPaymentStatus reports whether no further transition can occur.
func IsTerminalPaymentStatus(status string) bool {
	return IsSuccessPaymentStatus(status) || IsFailurePaymentStatus(status)
}
