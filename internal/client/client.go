// Package client is the signed JSON HTTP client packfarm services and the
// operator CLI use to talk to each other.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/platform/requestid"
)

const maxResponseBody = 8 << 20

// ErrTransport marks failures worth retrying: connection errors, timeouts and
// 5xx answers.
var ErrTransport = errors.New("transport error")

// APIError is a non-2xx answer.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api error (status=%d)", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return domain.ErrConflict
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		return domain.ErrInvalidArgument
	case e.StatusCode >= 500:
		return ErrTransport
	default:
		return nil
	}
}

// Client calls one base URL. The zero value is not usable; use New.
type Client struct {
	baseURL  string
	http     *http.Client
	signer   *auth.Signer
	identity auth.Identity
	bearer   string
	retry    backoff.Policy
	maxTries int
	logger   *slog.Logger
}

type Option func(*Client)

// WithSigner signs every request as identity.
func WithSigner(signer auth.Signer, identity auth.Identity) Option {
	return func(c *Client) {
		c.signer = &signer
		c.identity = identity
	}
}

// WithBearer sends an OIDC token, used by the operator CLI.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = strings.TrimSpace(token) }
}

// WithRetry retries transport failures up to maxTries calls in total.
func WithRetry(p backoff.Policy, maxTries int) Option {
	return func(c *Client) {
		c.retry = p
		c.maxTries = maxTries
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		retry:    backoff.DefaultPolicy(),
		maxTries: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// At returns a copy of c aimed at another base URL.
func (c *Client) At(baseURL string) *Client {
	cp := *c
	cp.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &cp
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// IdempotencyKeyHeader names the key that lets a server recognise a retried
// create.
const IdempotencyKeyHeader = "Idempotency-Key"

// Do sends body as JSON and decodes a 2xx answer into out. Transport failures
// are retried per the client's policy; every other error returns at once.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	return c.do(ctx, method, path, nil, body, out)
}

// DoIdempotent is Do for calls that create something. Every try carries the
// same key, so a retry after a lost answer finds the first result instead of
// creating a second one.
func (c *Client) DoIdempotent(ctx context.Context, method, path, key string, body any, out any) error {
	header := http.Header{}
	header.Set(IdempotencyKeyHeader, key)
	return c.do(ctx, method, path, header, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body any, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = raw
	}
	return c.retryTransport(ctx, method+" "+path, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		resp, err := c.send(ctx, method, path, header, reader, "application/json")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeResponse(resp, out)
	})
}

// Stream sends a GET and hands the 2xx body to fn. Errors from fn are not
// retried since fn may already have consumed part of the body.
func (c *Client) Stream(ctx context.Context, path string, fn func(io.Reader) error) error {
	return c.retryTransport(ctx, "GET "+path, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, path, nil, nil, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return decodeResponse(resp, nil)
		}
		return fn(resp.Body)
	})
}

func (c *Client) retryTransport(ctx context.Context, op string, fn func(context.Context) error) error {
	return backoff.Retry(ctx, c.retry, c.maxTries, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, ErrTransport) {
			return err
		}
		return backoff.Permanent(err)
	}, func(err error, wait time.Duration) {
		if c.logger != nil {
			c.logger.Warn("request failed, retrying", "op", op, "base_url", c.baseURL, "retry_in", wait.String(), "error", err.Error())
		}
	})
}

func (c *Client) send(ctx context.Context, method, path string, header http.Header, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	id, ok := httpserver.RequestIDFromContext(ctx)
	if !ok || id == "" {
		id, _ = requestid.New()
	}
	req.Header.Set("X-Request-Id", id)
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.signer != nil {
		if err := c.signer.Sign(req, c.identity); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if resp.StatusCode/100 == 2 {
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		apiErr.Code = envelope.Error
		apiErr.Detail = envelope.Detail
	}
	return apiErr
}

// IsTransport reports whether err is worth retrying later.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}
