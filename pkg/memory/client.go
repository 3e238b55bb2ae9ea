// Package memory is the JSON-over-HTTP client for the external memory
// service that owns vector embeddings and the semantic graph. Calls are
// retried with exponential backoff and circuit-broken after repeated
// failures so callers can degrade instead of blocking.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/patternops/patternops/pkg/domainerr"
)

// Op is a memory-service operation.
type Op string

// Supported operations.
const (
	OpUpsertVector Op = "upsert_vector"
	OpQuerySimilar Op = "query_similar"
	OpGraphUpsert  Op = "graph_upsert"
	OpGraphQuery   Op = "graph_query"
)

// ErrUnavailable is returned while the circuit is open.
var ErrUnavailable = errors.New("memory service unavailable")

type request struct {
	CorrelationID string          `json:"correlation_id"`
	Op            Op              `json:"op"`
	Payload       json.RawMessage `json:"payload"`
}

type response struct {
	OK           bool            `json:"ok"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// RemoteError is a rejection by the memory service itself, as opposed to
// a transport failure. It is not retried.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("memory service rejected call: %s: %s", e.Code, e.Message)
}

// Client calls the memory service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	interval   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry overrides the retry count and initial backoff interval.
func WithRetry(maxRetries uint64, interval time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.interval = interval
	}
}

// NewClient creates a memory-service client. The circuit opens after five
// consecutive transport failures and probes again after 30 seconds.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		interval:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "memory-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A remote rejection means the service is up; only transport
		// failures count against the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var remote *RemoteError
			return errors.As(err, &remote)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Memory service circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Available reports whether the circuit currently admits calls.
func (c *Client) Available() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// Call performs one operation. Transport failures and 5xx responses are
// retried with exponential backoff inside a single breaker execution;
// remote rejections (ok=false) are returned as *RemoteError without
// retry. An open circuit returns ErrUnavailable immediately.
func (c *Client) Call(ctx context.Context, op Op, payload any, correlationID string) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", op, err)
	}
	body, err := json.Marshal(request{CorrelationID: correlationID, Op: op, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", op, err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		var resp *response
		operation := func() error {
			var opErr error
			resp, opErr = c.post(ctx, body)
			return opErr
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(c.interval)), c.maxRetries),
			ctx)
		if err := backoff.Retry(operation, policy); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			return nil, err
		}
		return nil, domainerr.TransientIO(correlationID, err, "calling memory service op %s", op)
	}
	return result.(*response).Result, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("memory service returned %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, httpResp.Body)
		return nil, backoff.Permanent(fmt.Errorf("memory service returned %d", httpResp.StatusCode))
	}

	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding memory service response: %w", err)
	}
	if !resp.OK {
		// Remote rejections are definitive; do not burn retries on them.
		return nil, backoff.Permanent(&RemoteError{Code: resp.ErrorCode, Message: resp.ErrorMessage})
	}
	return &resp, nil
}

// UpsertVector mirrors a learned pattern into the vector store.
func (c *Client) UpsertVector(ctx context.Context, payload any, correlationID string) error {
	_, err := c.Call(ctx, OpUpsertVector, payload, correlationID)
	return err
}

// QuerySimilar runs a similarity query.
func (c *Client) QuerySimilar(ctx context.Context, payload any, correlationID string) (json.RawMessage, error) {
	return c.Call(ctx, OpQuerySimilar, payload, correlationID)
}

// GraphUpsert writes to the semantic graph.
func (c *Client) GraphUpsert(ctx context.Context, payload any, correlationID string) error {
	_, err := c.Call(ctx, OpGraphUpsert, payload, correlationID)
	return err
}

// GraphQuery reads from the semantic graph.
func (c *Client) GraphQuery(ctx context.Context, payload any, correlationID string) (json.RawMessage, error) {
	return c.Call(ctx, OpGraphQuery, payload, correlationID)
}
