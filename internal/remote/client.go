// Package remote talks to the chat service: JSON over HTTP for commands and
// the delta feed, a websocket for push events.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/stream"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// Client is the HTTP implementation of the remote collaborator.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	deltaSchema *jsonschema.Schema
	conn        *stream.State[model.ConnectionState]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the retry policy of idempotent requests.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries, c.baseDelay, c.maxDelay = maxRetries, baseDelay, maxDelay
	}
}

// New creates a client for baseURL.
func New(baseURL, token string, logger *zap.Logger, m *metrics.Metrics, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: empty base url")
	}
	schema, err := compileDeltaSchema()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:     baseURL,
		token:       strings.TrimSpace(token),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger.Named("remote"),
		metrics:     m,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
		deltaSchema: schema,
		conn:        stream.NewState(model.Disconnected, func(a, b model.ConnectionState) bool { return a == b }),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ConnectionState streams the push connection state, replaying the current one.
func (c *Client) ConnectionState(ctx context.Context) <-chan model.ConnectionState {
	return c.conn.Subscribe(ctx)
}

// CurrentConnectionState returns the push connection state.
func (c *Client) CurrentConnectionState() model.ConnectionState {
	return c.conn.Get()
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// doJSON sends one request and decodes a 2xx body into out. Transport
// failures, 429 and 5xx are retried when retry is set; callers set it for
// reads only, so a write surfaces its first failure.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, retry bool) error {
	raw, err := c.do(ctx, method, path, body, retry)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &model.RemoteError{StatusCode: http.StatusOK, Code: "DECODE_ERROR", Message: err.Error()}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, retry bool) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	// Every attempt of one call carries the same id.
	correlationID := uuid.NewString()
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, path, payload, correlationID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if retry && attempt < c.maxRetries {
				if werr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, classifyTransport(err)
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, classifyTransport(readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return raw, nil
		}
		if retry && attempt < c.maxRetries &&
			(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
			if werr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, correlationID string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	class := "error"
	if err == nil {
		class = strconv.Itoa(resp.StatusCode/100) + "xx"
	}
	c.metrics.RemoteRequests.WithLabelValues(method, class).Inc()
	if err != nil {
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
	}
	return resp, err
}

// classifyTransport maps a failed round trip to the connectivity sentinels.
func classifyTransport(err error) error {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", model.ErrRemoteUnreachable, err)
	case errors.As(err, &dnsErr):
		return fmt.Errorf("%w: %v", model.ErrNetworkNotAvailable, err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return fmt.Errorf("%w: %v", model.ErrNetworkNotAvailable, err)
	}
	return fmt.Errorf("%w: %v", model.ErrRemoteUnreachable, err)
}

// classifyStatus maps a non-2xx response to a sentinel or *RemoteError.
func classifyStatus(status int, retryAfter string, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", model.ErrRemoteUnreachable, status)
	case http.StatusNotFound:
		switch eb.Code {
		case model.CodeChatNotFound:
			return model.ErrChatNotFound
		case model.CodeMessageNotFound:
			return model.ErrMessageNotFound
		}
	}
	if eb.Message == "" {
		eb.Message = http.StatusText(status)
	}
	return &model.RemoteError{
		StatusCode: status,
		Code:       eb.Code,
		Message:    eb.Message,
		RetryAfter: parseRetryAfter(retryAfter),
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if ra := parseRetryAfter(retryAfterHeader); ra > 0 {
		return min(ra, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
