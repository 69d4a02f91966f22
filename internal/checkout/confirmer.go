package checkout

import "context"

// PaymentMethod carries the card details used to confirm a payment. The
// orchestrator never persists these.
type PaymentMethod struct {
	CardNumber     string `json:"card_number" validate:"required,min=12,max=19"`
	ExpMonth       int    `json:"exp_month" validate:"required,min=1,max=12"`
	ExpYear        int    `json:"exp_year" validate:"required,min=2024"`
	CVC            string `json:"cvc" validate:"required,min=3,max=4"`
	CardholderName string `json:"cardholder_name" validate:"required"`
}

// ConfirmRequest asks the payment processor to confirm an intent.
type ConfirmRequest struct {
	ClientSecret    string
	PaymentIntentID string
	Method          PaymentMethod
}

// ConfirmResult is the processor's answer. Status uses the remote payment
// status vocabulary; Message carries the decline or validation detail.
type ConfirmResult struct {
	Status  string
	Message string
}

// PaymentConfirmer confirms a payment intent with the processor. A returned
// error means the confirmation outcome is unknown (transport failure); a
// declined payment is a ConfirmResult with a failure status, not an error.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
}
