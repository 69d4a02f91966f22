package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/oakmist/storefront/pkg/errors"
	"github.com/oakmist/storefront/pkg/httpclient"
	"github.com/oakmist/storefront/pkg/logger"
)

var (
	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_auth_refresh_total",
			Help: "Credential refresh attempts by result.",
		},
		[]string{"result"},
	)
	refreshWaiters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_auth_refresh_waiters_total",
			Help: "Requests that waited on an in-flight credential refresh.",
		},
	)
	authExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_auth_expired_total",
			Help: "Requests that ended in a forced logout.",
		},
	)
)

// CredentialClearer removes locally cached identity data on forced logout.
type CredentialClearer interface {
	ClearCredentials(ctx context.Context) error
}

// Config holds the gateway client's settings.
type Config struct {
	// RefreshURL is the absolute URL of the credential refresh endpoint.
	RefreshURL string

	// OnAuthExpired is invoked exactly once per forced logout, after
	// credentials have been cleared. Optional.
	OnAuthExpired func()
}

// Client sends requests to the backend and transparently renews expired
// credentials. A 401 response triggers a single shared refresh; the request
// that observed the 401 is replayed at most once. If the refresh fails, or
// the replay comes back 401 again, the client fails closed: cached
// credentials are cleared and the caller gets an auth-expired error.
//
// Responses with any other status pass through untouched, successful or not.
type Client struct {
	base    httpclient.Doer
	creds   CredentialClearer
	cfg     Config
	refresh refreshGroup
	log     *slog.Logger
}

// NewClient creates a gateway client on top of base. The base client must
// carry a cookie jar so renewed credentials apply to replayed requests.
func NewClient(base httpclient.Doer, creds CredentialClearer, cfg Config, log *slog.Logger) *Client {
	return &Client{
		base:  base,
		creds: creds,
		cfg:   cfg,
		log:   log,
	}
}

// Do sends the request, refreshing credentials and replaying once on 401.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.base.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	if err := c.renewCredentials(ctx); err != nil {
		return nil, err
	}

	replay, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("clone request for replay: %w", err)
	}

	resp, err = c.base.Do(ctx, replay)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Renewed credentials were still rejected. One replay per request,
	// so give up and log out.
	drain(resp)
	return nil, c.expire(ctx, fmt.Errorf("request rejected after refresh"))
}

// renewCredentials ensures exactly one refresh call runs no matter how many
// requests hit a 401 concurrently. Returns nil when credentials are renewed.
func (c *Client) renewCredentials(ctx context.Context) error {
	leader, wait := c.refresh.acquireOrWait()
	if !leader {
		refreshWaiters.Inc()
		select {
		case err := <-wait:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := c.doRefresh(ctx)
	if err != nil {
		refreshTotal.WithLabelValues("failure").Inc()
		err = c.expire(ctx, err)
	} else {
		refreshTotal.WithLabelValues("success").Inc()
	}
	c.refresh.settle(err)
	return err
}

func (c *Client) doRefresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RefreshURL, nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}

	resp, err := c.base.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	logger.WithContext(ctx, c.log).Debug("credentials renewed")
	return nil
}

// expire clears cached credentials and signals forced logout. The cause is
// preserved in the returned error chain.
func (c *Client) expire(ctx context.Context, cause error) error {
	authExpiredTotal.Inc()

	if c.creds != nil {
		if err := c.creds.ClearCredentials(ctx); err != nil {
			logger.WithContext(ctx, c.log).Error("failed to clear credentials", "error", err)
		}
	}
	if c.cfg.OnAuthExpired != nil {
		c.cfg.OnAuthExpired()
	}

	logger.WithContext(ctx, c.log).Warn("session expired, forcing logout", "cause", cause)
	return apperrors.AuthExpired("session expired, please sign in again", cause)
}

// cloneRequest rebuilds the request with a fresh body so it can be resent.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not replayable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
