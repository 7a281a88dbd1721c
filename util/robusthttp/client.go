package robusthttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// retryLogger adapts slog to retryablehttp. Failed attempts which will be
// retried are logged at WARN rather than ERROR.
type retryLogger struct {
	inner *slog.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l retryLogger) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l retryLogger) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l retryLogger) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type Option func(*retryablehttp.Client)

// WithMaxRetries sets the maximum number of retries. Zero disables retries.
func WithMaxRetries(maxRetries int) Option {
	return func(client *retryablehttp.Client) {
		client.RetryMax = maxRetries
	}
}

func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(client *retryablehttp.Client) {
		client.RetryWaitMin = waitMin
		client.RetryWaitMax = waitMax
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(client *retryablehttp.Client) {
		client.Logger = retryablehttp.LeveledLogger(retryLogger{inner: logger})
	}
}

func WithTransport(transport http.RoundTripper) Option {
	return func(client *retryablehttp.Client) {
		client.HTTPClient.Transport = transport
	}
}

func WithRetryPolicy(policy retryablehttp.CheckRetry) Option {
	return func(client *retryablehttp.Client) {
		client.CheckRetry = policy
	}
}

// ForCreates configures a client for non-idempotent requests, like creating a
// post. Once a request may have reached the server it is never repeated, so
// only connection failures are retried, a couple of times, quickly.
func ForCreates() Option {
	return func(client *retryablehttp.Client) {
		client.RetryMax = 2
		client.RetryWaitMin = 250 * time.Millisecond
		client.RetryWaitMax = 2 * time.Second
		client.CheckRetry = UnsentRetryPolicy
	}
}

// NewClient returns a stdlib *http.Client backed by retryablehttp, with
// ReadRetryPolicy unless an option says otherwise. After the last attempt the
// final response is returned as-is, so callers can read the platform's error
// body and rate limit headers.
func NewClient(options ...Option) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(retryLogger{inner: slog.Default().With("subsystem", "robusthttp")})
	retryClient.CheckRetry = ReadRetryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	for _, option := range options {
		option(retryClient)
	}

	client := retryClient.StandardClient()
	client.Timeout = 30 * time.Second
	return client
}

// RateLimited reports whether the platform refused the request for rate
// limiting. Those responses are never retried here: the reset time goes back
// to the caller, which decides whether the work is queued or dropped.
func RateLimited(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusTooManyRequests
}

// ReadRetryPolicy is retryablehttp's default policy (connection errors and
// 5xx other than 501), except that rate limited responses are returned
// immediately.
func ReadRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && RateLimited(resp) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// UnsentRetryPolicy retries only requests which never reached the server.
// Any response, including a 5xx, is final, as is any failure after the
// connection was made.
func UnsentRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return NotSent(err), nil
}

// NotSent reports whether err shows that the request was never sent: name
// resolution or dialing failed, or the connection was refused.
func NotSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
