// Package remote implements the backend REST client used by the outbox
// processor.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/tracing"
)

// Compile-time check that Client implements RemoteAPIPort.
var _ ports.RemoteAPIPort = (*Client)(nil)

// DefaultTimeout bounds a single request when no option overrides it.
const DefaultTimeout = 30 * time.Second

// IdempotencyHeader carries the dedup token on every write.
const IdempotencyHeader = "Idempotency-Key"

// recordResponse is the backend's body for writes and conflicts.
type recordResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// Client talks to the metrics backend.
type Client struct {
	http *resty.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(timeout)
	}
}

// WithAPIToken sets the bearer token.
func WithAPIToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.http.SetAuthToken(token)
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.http.SetHeader("User-Agent", ua)
	}
}

// NewClient creates a client for baseURL. Retries are left to the outbox.
func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetRetryCount(0).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}

	for _, opt := range opts {
		opt(client)
	}
	return client
}

// request starts a write carrying the dedup token and the caller's trace
// context.
func (c *Client) request(ctx context.Context, record ports.RemoteRecord) *resty.Request {
	req := c.http.R().
		SetContext(ctx).
		SetHeader(IdempotencyHeader, record.DedupToken)
	tracing.InjectHeaders(ctx, req.Header)
	return req
}

// Create submits a new record. 201/200 returns the assigned ID; 409 returns
// a REMOTE_CONFLICT error carrying the existing ID as "remote_id".
func (c *Client) Create(ctx context.Context, record ports.RemoteRecord) (string, error) {
	var body recordResponse
	resp, err := c.request(ctx, record).
		SetPathParam("owner", record.OwnerID).
		SetBody(record).
		SetResult(&body).
		SetError(&body).
		Post("/v1/owners/{owner}/metrics")
	if err != nil {
		return "", transportError("create", err)
	}

	switch {
	case resp.StatusCode() == http.StatusCreated || resp.StatusCode() == http.StatusOK:
		if body.ID == "" {
			return "", domainErrors.NewError(domainErrors.CodeRemoteTransient, "backend returned no record id", nil)
		}
		return body.ID, nil
	case resp.StatusCode() == http.StatusConflict:
		return "", conflictError(body.ID)
	default:
		return "", statusError("create", resp.StatusCode(), body.Error)
	}
}

// Update replaces the record identified by remoteID.
func (c *Client) Update(ctx context.Context, remoteID string, record ports.RemoteRecord) error {
	var body recordResponse
	resp, err := c.request(ctx, record).
		SetPathParams(map[string]string{
			"owner": record.OwnerID,
			"id":    remoteID,
		}).
		SetBody(record).
		SetError(&body).
		Put("/v1/owners/{owner}/metrics/{id}")
	if err != nil {
		return transportError("update", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		id := body.ID
		if id == "" {
			id = remoteID
		}
		return conflictError(id)
	default:
		return statusError("update", resp.StatusCode(), body.Error)
	}
}

func conflictError(remoteID string) error {
	return domainErrors.WithContext(
		domainErrors.NewError(domainErrors.CodeRemoteConflict, "record already exists", nil),
		"remote_id", remoteID)
}

func transportError(op string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	return domainErrors.WithContext(
		domainErrors.NewError(domainErrors.CodeRemoteTransient, op+" request failed", err),
		"operation", op)
}

// statusError classifies a non-success status: 408, 429 and 5xx are
// transient, any other status is permanent.
func statusError(op string, status int, message string) error {
	code := domainErrors.CodeRemotePermanent
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		code = domainErrors.CodeRemoteTransient
	}

	msg := fmt.Sprintf("%s rejected with status %d", op, status)
	if message != "" {
		msg += ": " + message
	}

	se := domainErrors.NewError(code, msg, nil)
	if code == domainErrors.CodeRemoteTransient {
		se.Cause = domainErrors.ErrRemoteUnavailable
	}
	return domainErrors.WithContext(se, "status", status)
}
