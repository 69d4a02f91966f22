package checkout

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/oakmist/storefront/internal/domain"
	"github.com/oakmist/storefront/pkg/logger"
)

// errStatusPending marks a poll attempt that found no terminal status yet.
var errStatusPending = errors.New("payment not settled yet")

// PollOutcome is the final result of a polling run.
type PollOutcome string

const (
	// PollPaid means polling observed a settled payment and completed the
	// checkout.
	PollPaid PollOutcome = "paid"
	// PollDeclined means polling observed a terminal failure; the session
	// stays active for a retry.
	PollDeclined PollOutcome = "declined"
	// PollTimedOut means no terminal status arrived within the window; the
	// session stays active and persisted so a retry, abandon, or a later
	// resume can settle it.
	PollTimedOut PollOutcome = "timed_out"
	// PollCanceled means the run was canceled before a terminal status.
	PollCanceled PollOutcome = "canceled"
)

// PollHandle tracks a background polling run.
type PollHandle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outcome PollOutcome
}

// Done is closed when the run finishes.
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// Cancel stops the run and waits for it to finish.
func (h *PollHandle) Cancel() {
	h.cancel()
	<-h.done
}

// Outcome returns the final result. Valid only after Done is closed.
func (h *PollHandle) Outcome() PollOutcome {
	return h.outcome
}

func finishedHandle(outcome PollOutcome) *PollHandle {
	h := &PollHandle{cancel: func() {}, done: make(chan struct{}), outcome: outcome}
	close(h.done)
	return h
}

// StartPolling watches a confirmation that came back as still processing,
// re-querying the payment status at a fixed interval until it settles or the
// polling window closes. The run outlives the calling request; cancellation
// of ctx does not stop it. The orchestrator retains the handle so Abandon
// and StopPolling can cancel the run; a second call while a run is in flight
// returns the existing handle.
func (o *Orchestrator) StartPolling(ctx context.Context) *PollHandle {
	o.mu.Lock()
	if o.poll != nil {
		select {
		case <-o.poll.done:
		default:
			h := o.poll
			o.mu.Unlock()
			return h
		}
	}

	var session *domain.CheckoutSession
	switch o.state {
	case domain.StateSessionActive, domain.StateConfirming:
		if o.session != nil {
			s := *o.session
			session = &s
		}
	}
	if session == nil {
		o.mu.Unlock()
		return finishedHandle(PollCanceled)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &PollHandle{cancel: cancel, done: make(chan struct{})}
	o.poll = h
	o.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		h.outcome = o.pollUntilSettled(pollCtx, *session)
	}()

	return h
}

// StopPolling cancels the in-flight polling run, if any, and waits for it to
// finish.
func (o *Orchestrator) StopPolling() {
	o.mu.Lock()
	h := o.poll
	o.poll = nil
	o.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
}

func (o *Orchestrator) pollUntilSettled(ctx context.Context, session domain.CheckoutSession) PollOutcome {
	log := logger.WithContext(ctx, o.log)

	operation := func() (string, error) {
		status, err := o.QueryStatus(ctx, session.PaymentIntentID)
		if err != nil {
			return "", err
		}
		if !domain.IsTerminalPaymentStatus(status) {
			return "", errStatusPending
		}
		return status, nil
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(o.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(o.cfg.PollTimeout),
	)

	switch {
	case ctx.Err() != nil:
		return PollCanceled
	case err != nil:
		// The payment may still settle on the backend; the session stays
		// active and persisted so a retry, abandon, or a later resume can
		// pick it up.
		log.Warn("payment still verifying after polling window",
			"order_number", session.OrderNumber, "error", err)
		return PollTimedOut
	case domain.IsSuccessPaymentStatus(status):
		o.completePayment(ctx)
		paymentsTotal.WithLabelValues("paid").Inc()
		return PollPaid
	default:
		paymentsTotal.WithLabelValues("declined").Inc()
		log.Info("payment declined after polling",
			"order_number", session.OrderNumber, "status", status)
		return PollDeclined
	}
}
