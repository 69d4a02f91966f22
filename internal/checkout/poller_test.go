package checkout

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmist/storefront/internal/domain"
	"github.com/oakmist/storefront/internal/storage"
)

// confirmProcessing drives a checkout through a confirmation that the
// processor reports as still processing. The session stays active.
func confirmProcessing(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()

	_, err := env.orch.StartSession(ctx, validRequest())
	require.NoError(t, err)

	env.confirmer.result = ConfirmResult{Status: domain.PaymentStatusProcessing}
	outcome, err := env.orch.ConfirmPayment(ctx, validMethod())
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessing, outcome)

	state, _ := env.orch.State()
	require.Equal(t, domain.StateSessionActive, state)
}

// pollableBackend serves session creation, then status polls that settle
// with the given payment status after pendingPolls pending answers.
func pollableBackend(status string, pendingPolls int32) (doerFunc, *atomic.Int32) {
	var polls atomic.Int32
	fn := doerFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		switch {
		case strings.HasSuffix(req.URL.Path, "/payments/checkout/"):
			return jsonResponse(http.StatusOK,
				`{"client_secret":"cs_p_secret_q","order_number":"ORD-P"}`), nil
		case strings.HasSuffix(req.URL.Path, "/payments/status"):
			if polls.Add(1) <= pendingPolls {
				return jsonResponse(http.StatusOK, statusBody("ORD-P", "pending", "processing")), nil
			}
			return jsonResponse(http.StatusOK, statusBody("ORD-P", "paid", status)), nil
		}
		return jsonResponse(http.StatusNotFound, ""), nil
	})
	return fn, &polls
}

func TestPolling_SettlesPaid(t *testing.T) {
	backend, polls := pollableBackend(domain.PaymentStatusSucceeded, 2)
	env := newTestEnv(t, backend)
	confirmProcessing(t, env)

	handle := env.orch.StartPolling(context.Background())
	<-handle.Done()

	assert.Equal(t, PollPaid, handle.Outcome())
	assert.GreaterOrEqual(t, polls.Load(), int32(3))

	state, _ := env.orch.State()
	assert.Equal(t, domain.StatePaid, state)
	assert.Equal(t, int32(1), env.cart.clears.Load())

	_, err := env.kv.Get(context.Background(), "pendingCheckout")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestPolling_SettlesDeclined(t *testing.T) {
	backend, _ := pollableBackend(domain.PaymentStatusFailed, 1)
	env := newTestEnv(t, backend)
	confirmProcessing(t, env)

	handle := env.orch.StartPolling(context.Background())
	<-handle.Done()

	assert.Equal(t, PollDeclined, handle.Outcome())

	// Still SessionActive so the shopper can retry with another card.
	state, active := env.orch.State()
	assert.Equal(t, domain.StateSessionActive, state)
	assert.NotNil(t, active)
	assert.Zero(t, env.cart.clears.Load())
}

func TestPolling_TimesOutStillVerifying(t *testing.T) {
	// The backend never settles within the polling window.
	backend, _ := pollableBackend(domain.PaymentStatusProcessing, 1<<30)
	env := newTestEnv(t, backend)
	confirmProcessing(t, env)

	handle := env.orch.StartPolling(context.Background())

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("polling did not finish")
	}

	assert.Equal(t, PollTimedOut, handle.Outcome())

	// Still verifying: the session stays active and persisted so the
	// shopper can retry or abandon, and a later resume can settle it.
	state, _ := env.orch.State()
	assert.Equal(t, domain.StateSessionActive, state)
	_, err := env.kv.Get(context.Background(), "pendingCheckout")
	assert.NoError(t, err)

	// The shopper is not stuck: abandoning after a timed-out poll works.
	assert.NoError(t, env.orch.Abandon(context.Background()))
}

func TestPolling_Cancel(t *testing.T) {
	backend, _ := pollableBackend(domain.PaymentStatusProcessing, 1<<30)
	env := newTestEnv(t, backend)
	confirmProcessing(t, env)

	handle := env.orch.StartPolling(context.Background())
	handle.Cancel()

	assert.Equal(t, PollCanceled, handle.Outcome())
	assert.Zero(t, env.cart.clears.Load())
}

func TestPolling_WithoutActiveSession(t *testing.T) {
	env := newTestEnv(t, sessionBackend("cs_x_secret_q", "ORD-X"))

	handle := env.orch.StartPolling(context.Background())
	<-handle.Done()
	assert.Equal(t, PollCanceled, handle.Outcome())
}

func TestPolling_SecondStartReturnsExistingRun(t *testing.T) {
	backend, _ := pollableBackend(domain.PaymentStatusProcessing, 1<<30)
	env := newTestEnv(t, backend)
	confirmProcessing(t, env)

	first := env.orch.StartPolling(context.Background())
	second := env.orch.StartPolling(context.Background())
	assert.Same(t, first, second)

	first.Cancel()
}

func TestAbandon_CancelsPolling(t *testing.T) {
	backend, _ := pollableBackend(domain.PaymentStatusProcessing, 1<<30)
	env := newTestEnv(t, backend)
	confirmProcessing(t, env)

	handle := env.orch.StartPolling(context.Background())
	require.NoError(t, env.orch.Abandon(context.Background()))

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("abandon did not cancel the poll")
	}
	assert.Equal(t, PollCanceled, handle.Outcome())

	state, _ := env.orch.State()
	assert.Equal(t, domain.StateAbandoned, state)
}

// Detached polling must survive cancellation of the originating request
// context.
func TestPolling_OutlivesRequestContext(t *testing.T) {
	backend, _ := pollableBackend(domain.PaymentStatusSucceeded, 1)
	env := newTestEnv(t, backend)
	confirmProcessing(t, env)

	reqCtx, cancel := context.WithCancel(context.Background())
	handle := env.orch.StartPolling(reqCtx)
	cancel()

	<-handle.Done()
	assert.Equal(t, PollPaid, handle.Outcome())
}
