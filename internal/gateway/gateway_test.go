package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmist/storefront/internal/storage/memory"
	apperrors "github.com/oakmist/storefront/pkg/errors"
	"github.com/oakmist/storefront/pkg/logger"
)

// fakeBackend scripts an upstream that rejects requests until a refresh
// lands. It counts refresh calls and records request bodies.
type fakeBackend struct {
	mu            sync.Mutex
	authed        bool
	failRefresh   bool
	refreshCalls  atomic.Int32
	dataCalls     atomic.Int32
	bodies        []string
	refreshGateN  int32 // refresh blocks until this many data calls were seen
	refreshSignal chan struct{}
}

func (b *fakeBackend) Do(_ context.Context, req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, "/auth/refresh") {
		b.refreshCalls.Add(1)
		if b.refreshSignal != nil {
			<-b.refreshSignal
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failRefresh {
			return response(http.StatusUnauthorized), nil
		}
		b.authed = true
		return response(http.StatusOK), nil
	}

	var body string
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
	}

	b.mu.Lock()
	b.bodies = append(b.bodies, body)
	authed := b.authed
	b.mu.Unlock()

	n := b.dataCalls.Add(1)
	if b.refreshSignal != nil && n == b.refreshGateN {
		close(b.refreshSignal)
	}

	if !authed {
		return response(http.StatusUnauthorized), nil
	}
	return response(http.StatusOK), nil
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func newTestClient(t *testing.T, backend *fakeBackend, onExpired func()) (*Client, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	log := logger.NewWithWriter("gateway-test", "error", io.Discard)
	client := NewClient(backend, NewStoredCredentials(store), Config{
		RefreshURL:    "http://backend/auth/refresh",
		OnAuthExpired: onExpired,
	}, log)
	return client, store
}

func newRequest(t *testing.T, method, body string) *http.Request {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://backend/orders", r)
	require.NoError(t, err)
	return req
}

func TestClient_PassthroughNon401(t *testing.T) {
	backend := &fakeBackend{authed: true}
	client, _ := newTestClient(t, backend, nil)

	resp, err := client.Do(context.Background(), newRequest(t, http.MethodGet, ""))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(0), backend.refreshCalls.Load())
}

func TestClient_RefreshAndReplay(t *testing.T) {
	backend := &fakeBackend{}
	client, _ := newTestClient(t, backend, nil)

	resp, err := client.Do(context.Background(), newRequest(t, http.MethodPost, `{"order":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), backend.refreshCalls.Load())

	// The replayed request carries the original body again.
	require.Len(t, backend.bodies, 2)
	assert.Equal(t, `{"order":1}`, backend.bodies[0])
	assert.Equal(t, `{"order":1}`, backend.bodies[1])
}

func TestClient_RefreshFailureForcesLogout(t *testing.T) {
	backend := &fakeBackend{failRefresh: true}

	var expired atomic.Int32
	client, store := newTestClient(t, backend, func() { expired.Add(1) })

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "user", `{"email":"a@b.c"}`))

	_, err := client.Do(ctx, newRequest(t, http.MethodGet, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
	assert.Equal(t, int32(1), expired.Load())

	_, err = store.Get(ctx, "user")
	assert.Error(t, err, "cached user must be cleared on forced logout")
}

func TestClient_SecondRejectionForcesLogout(t *testing.T) {
	// Refresh succeeds but the backend keeps rejecting: the request must
	// not be replayed more than once.
	backend := &rejectingBackend{}

	var expired atomic.Int32
	store := memory.NewStore()
	log := logger.NewWithWriter("gateway-test", "error", io.Discard)
	client := NewClient(backend, NewStoredCredentials(store), Config{
		RefreshURL:    "http://backend/auth/refresh",
		OnAuthExpired: func() { expired.Add(1) },
	}, log)

	_, err := client.Do(context.Background(), newRequest(t, http.MethodGet, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
	assert.Equal(t, int32(1), expired.Load())
	assert.Equal(t, int32(2), backend.dataCalls.Load(), "original plus exactly one replay")
}

// rejectingBackend accepts the refresh but keeps returning 401 for data.
type rejectingBackend struct {
	dataCalls atomic.Int32
}

func (b *rejectingBackend) Do(_ context.Context, req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, "/auth/refresh") {
		return response(http.StatusOK), nil
	}
	b.dataCalls.Add(1)
	return response(http.StatusUnauthorized), nil
}

func TestClient_SingleRefreshUnderConcurrency(t *testing.T) {
	const n = 8

	// The refresh is gated until all n requests have hit the 401, so every
	// request is guaranteed to contend for the same refresh.
	backend := &fakeBackend{
		refreshGateN:  n,
		refreshSignal: make(chan struct{}),
	}
	client, _ := newTestClient(t, backend, nil)

	var wg sync.WaitGroup
	errs := make([]error, n)
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Do(context.Background(), newRequest(t, http.MethodGet, ""))
			errs[i] = err
			if err == nil {
				statuses[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, statuses[i])
	}
	assert.Equal(t, int32(1), backend.refreshCalls.Load(), "exactly one refresh for the whole burst")
}

func TestRefreshGroup_LeaderThenWaiters(t *testing.T) {
	var g refreshGroup

	leader, _ := g.acquireOrWait()
	require.True(t, leader)

	_, w1 := g.acquireOrWait()
	_, w2 := g.acquireOrWait()

	g.settle(nil)
	assert.NoError(t, <-w1)
	assert.NoError(t, <-w2)

	// The group is reusable after settling.
	leader, _ = g.acquireOrWait()
	assert.True(t, leader)
	g.settle(nil)
}

func TestRefreshGroup_PropagatesFailure(t *testing.T) {
	var g refreshGroup

	leader, _ := g.acquireOrWait()
	require.True(t, leader)
	_, w := g.acquireOrWait()

	g.settle(assert.AnError)
	assert.ErrorIs(t, <-w, assert.AnError)
}
