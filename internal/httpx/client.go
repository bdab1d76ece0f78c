package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"golang.org/x/time/rate"
)

// maxResponseBody caps how much of a response body is buffered.
const maxResponseBody = 10 * 1024 * 1024

// StatusMapper converts a non-2xx response into a typed error.
type StatusMapper func(statusCode int, body []byte) error

type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	retries      int
	userAgent    string
	limiter      *rate.Limiter
	mapStatus    StatusMapper
}

type Option func(*Client)

// WithRateLimit paces outbound requests. A non-positive rate disables pacing.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithStatusMapper overrides how non-2xx responses become errors.
func WithStatusMapper(m StatusMapper) Option {
	return func(c *Client) {
		if m != nil {
			c.mapStatus = m
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

func New(timeout time.Duration, retries int, opts ...Option) *Client {
	if retries < 0 {
		retries = 0
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		// Streams outlive any whole-request timeout; only the response
		// headers are bounded.
		streamClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		}},
		retries:   retries,
		userAgent: "agent",
		mapStatus: defaultStatusMapper,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req with retries on network errors, 429 and 5xx responses and
// returns the raw response body of the first 2xx response.
func (c *Client) Do(ctx context.Context, req *http.Request) ([]byte, http.Header, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(Backoff(attempt)):
			}
		}
		if err := c.wait(ctx); err != nil {
			return nil, nil, err
		}

		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			cloneReq.Body = body
		}

		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			lastErr = mapNetError(err)
			if attempt < c.retries && ctx.Err() == nil {
				continue
			}
			return nil, nil, lastErr
		}

		buf, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read response", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return buf, resp.Header, nil
		}
		lastErr = c.mapStatus(resp.StatusCode, buf)
		if retryableStatus(resp.StatusCode) && attempt < c.retries {
			continue
		}
		return nil, resp.Header, lastErr
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	buf, header, err := c.Do(ctx, req)
	if err != nil {
		return header, err
	}
	if out == nil {
		return header, nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return header, clierr.New(clierr.CodeProtocol, "empty response body")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return header, clierr.Wrap(clierr.CodeProtocol, "decode response JSON", err)
	}
	return header, nil
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	req, err := newRequest(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	return c.DoJSON(ctx, req, out)
}

// OpenStream issues a single request and returns the open response for
// incremental reading. The caller owns resp.Body. Streams are never retried.
func (c *Client) OpenStream(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := newRequest(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, mapNetError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, c.mapStatus(resp.StatusCode, buf)
	}
	return resp, nil
}

func newRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
	}
	return nil
}

func defaultStatusMapper(statusCode int, _ []byte) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return clierr.Transport(statusCode, clierr.ServiceRateLimited, "remote rate limited request")
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &clierr.Error{Code: clierr.CodeAuth, Message: "remote authentication failed", StatusCode: statusCode}
	case statusCode >= http.StatusInternalServerError:
		return &clierr.Error{Code: clierr.CodeUnavailable, Message: fmt.Sprintf("remote unavailable (status %d)", statusCode), StatusCode: statusCode}
	default:
		return clierr.Transport(statusCode, clierr.ServiceUnknown, fmt.Sprintf("remote returned unexpected status %d", statusCode))
	}
}

func retryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok {
		if nerr.Timeout() {
			return clierr.Wrap(clierr.CodeUnavailable, "remote timeout", err)
		}
	}
	return clierr.Wrap(clierr.CodeUnavailable, "remote request failed", err)
}

// Backoff is the exponential delay with jitter before retry attempt n (n >= 1).
func Backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	typed, ok := clierr.As(err)
	if !ok {
		return false
	}
	if typed.Code == clierr.CodeAuth || typed.Code == clierr.CodeSigner || typed.Code == clierr.CodeProtocol {
		return false
	}
	return typed.Code == clierr.CodeUnavailable || retryableStatus(typed.StatusCode)
}
