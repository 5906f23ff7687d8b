// Package gateway is the client side of the remote spend-authority protocol:
// capped sessions that are opened, debited per call against the remote
// confirmed totals, and torn down.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/models"
)

// Client speaks HTTP to a spend-authority service.
type Client struct {
	baseURL   string
	http      *http.Client
	retries   int
	retryWait time.Duration
	logger    *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetries sets how many times Open and Close are retried after a
// transport failure.
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

// WithRetryWait sets the initial backoff interval.
func WithRetryWait(d time.Duration) ClientOption {
	return func(c *Client) { c.retryWait = d }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		retries:   3,
		retryWait: 200 * time.Millisecond,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retries < 0 {
		c.retries = 0
	}
	return c
}

// BaseURL returns the service address.
func (c *Client) BaseURL() string { return c.baseURL }

// OpenSession registers a capped session. A 422 budget refusal comes back as
// *BudgetExceeded, a policy refusal as *PolicyDenied. It is never retried: a
// lost response may leave a session open on the remote side, and a retry
// would open another.
func (c *Client) OpenSession(ctx context.Context, req models.OpenSessionRequest) (models.OpenSessionResponse, error) {
	const op = "open session"
	status, body, err := c.do(ctx, op, http.MethodPost, "/sessions", "", "", req)
	if err != nil {
		return models.OpenSessionResponse{}, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return models.OpenSessionResponse{}, decodeError(op, status, body)
	}

	var resp models.OpenSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, &ProtocolError{Op: op, Field: "body", Err: err}
	}
	if resp.SessionID == "" {
		return resp, &ProtocolError{Op: op, Field: "sessionId"}
	}
	if resp.Token == "" {
		return resp, &ProtocolError{Op: op, Field: "token"}
	}
	return resp, nil
}

// Proxy performs one debited call. It is never retried: a lost response does
// not say whether the remote side charged.
func (c *Client) Proxy(ctx context.Context, token, idempotencyKey string, req models.ProxyRequest) (models.ProxyResponse, models.ProxyResult, error) {
	const op = "proxy call"
	status, body, err := c.do(ctx, op, http.MethodPost, "/proxy", token, idempotencyKey, req)
	if err != nil {
		return models.ProxyResponse{}, models.ProxyResult{}, err
	}
	if status != http.StatusOK {
		return models.ProxyResponse{}, models.ProxyResult{}, decodeError(op, status, body)
	}
	return decodeProxy(op, body)
}

func decodeProxy(op string, body []byte) (models.ProxyResponse, models.ProxyResult, error) {
	var resp models.ProxyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, models.ProxyResult{}, &ProtocolError{Op: op, Field: "body", Err: err}
	}

	raw := bytes.TrimSpace(resp.Result)
	if len(raw) == 0 || raw[0] != '{' {
		return resp, models.ProxyResult{}, &ProtocolError{Op: op, Field: "result"}
	}
	var result models.ProxyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return resp, result, &ProtocolError{Op: op, Field: "result", Err: err}
	}
	if result.AmountPaid == nil {
		return resp, result, &ProtocolError{Op: op, Field: "amountPaid"}
	}
	if resp.TotalSpent == nil {
		return resp, result, &ProtocolError{Op: op, Field: "totalSpent"}
	}
	return resp, result, nil
}

// CloseSession tears a session down and returns the reconciled totals.
func (c *Client) CloseSession(ctx context.Context, token, sessionID string) (models.CloseSessionResponse, error) {
	const op = "close session"
	path := "/sessions/" + url.PathEscape(sessionID)
	return retry(ctx, c, op, func() (models.CloseSessionResponse, error) {
		status, body, err := c.do(ctx, op, http.MethodDelete, path, token, "", nil)
		if err != nil {
			return models.CloseSessionResponse{}, err
		}
		if status != http.StatusOK {
			return models.CloseSessionResponse{}, decodeError(op, status, body)
		}

		var resp models.CloseSessionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return resp, &ProtocolError{Op: op, Field: "body", Err: err}
		}
		if resp.TotalSpent == nil {
			return resp, &ProtocolError{Op: op, Field: "totalSpent"}
		}
		return resp, nil
	})
}

func (c *Client) do(ctx context.Context, op, method, path, token, idempotencyKey string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, body, nil
}

// decodeError maps a non-2xx answer onto the error taxonomy.
func decodeError(op string, status int, body []byte) error {
	var eb models.ErrorBody
	_ = json.Unmarshal(body, &eb)
	detail := eb.Error

	switch {
	case status >= 500:
		msg := detail.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &TransportError{Op: op, Status: status, Err: errors.New(msg)}
	case status == http.StatusForbidden && detail.Code == models.CodePolicyDenied:
		return &PolicyDenied{Message: detail.Message, Contact: detail.Contact}
	case status == http.StatusUnprocessableEntity && detail.Code == models.CodeBudgetExceeded:
		return &BudgetExceeded{Code: detail.Code, Message: detail.Message}
	default:
		return &APIError{Status: status, Code: detail.Code, Message: detail.Message}
	}
}

// retry runs fn with exponential backoff while it fails with a TransportError.
func retry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait
	b.MaxInterval = 20 * c.retryWait

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		var te *TransportError
		if err != nil && !errors.As(err, &te) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}
