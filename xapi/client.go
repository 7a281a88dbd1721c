package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/util/robusthttp"

	"github.com/carlmjohnson/versioninfo"
	"github.com/google/go-querystring/query"
	"golang.org/x/time/rate"
)

const DefaultHost = "https://api.twitter.com"

// Client is a minimal X API v2 client: create posts and replies, list
// mentions, and read public metrics.
type Client struct {
	// Client is used for reads, and retries transient failures. Defaults to robusthttp.NewClient().
	Client *http.Client
	// WriteClient is used for creating posts. A retried create can double-post, so it
	// only retries requests which never reached the server. Defaults to a
	// robusthttp client with robusthttp.ForCreates.
	WriteClient *http.Client
	Host        string
	AccessToken string
	UserAgent   *string
	Headers     map[string]string
	// paces all outbound requests; nil means unlimited
	Limiter *rate.Limiter
	// Now defaults to time.Now; used to turn rate-limit reset times into durations
	Now    func() time.Time
	Logger *slog.Logger
}

func NewClient(host, accessToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if host == "" {
		host = DefaultHost
	}
	logger = logger.With("component", "xapi")
	return &Client{
		Client:      robusthttp.NewClient(robusthttp.WithLogger(logger)),
		WriteClient: robusthttp.NewClient(robusthttp.WithLogger(logger), robusthttp.ForCreates()),
		Host:        strings.TrimSuffix(host, "/"),
		AccessToken: accessToken,
		// well under the per-app 15 minute windows, but smooths bursts
		Limiter: rate.NewLimiter(rate.Limit(1), 5),
		Now:     time.Now,
		Logger:  logger,
	}
}

// APIError is the problem body X API returns on failures.
type APIError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

func (ae *APIError) Error() string {
	if ae.Detail != "" {
		return fmt.Sprintf("%s: %s", ae.Title, ae.Detail)
	}
	return ae.Title
}

type RatelimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
	// from a Retry-After header, if present
	RetryAfter time.Duration
}

type Error struct {
	StatusCode int
	Wrapped    error
	Ratelimit  *RatelimitInfo
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("X API HTTP %d", e.StatusCode)
	}
	if e.IsThrottled() && e.Ratelimit != nil && !e.Ratelimit.Reset.IsZero() {
		return fmt.Sprintf("X API HTTP %d: %s (throttled until %s)", e.StatusCode, e.Wrapped, e.Ratelimit.Reset.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("X API HTTP %d: %s", e.StatusCode, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

func (e *Error) IsThrottled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RetryAfter returns how long the platform asked us to wait, or zero if unknown.
func (e *Error) RetryAfter(now time.Time) time.Duration {
	if e.Ratelimit == nil {
		return 0
	}
	if e.Ratelimit.RetryAfter > 0 {
		return e.Ratelimit.RetryAfter
	}
	if !e.Ratelimit.Reset.IsZero() && e.Ratelimit.Reset.After(now) {
		return e.Ratelimit.Reset.Sub(now)
	}
	return 0
}

func errorFromHTTPResponse(resp *http.Response, err error) *Error {
	r := &Error{
		StatusCode: resp.StatusCode,
		Wrapped:    err,
	}
	h := resp.Header
	if h.Get("x-rate-limit-reset") != "" || h.Get("retry-after") != "" {
		r.Ratelimit = &RatelimitInfo{}
		if n, err := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64); err == nil {
			r.Ratelimit.Reset = time.Unix(n, 0)
		}
		if n, err := strconv.ParseInt(h.Get("x-rate-limit-limit"), 10, 64); err == nil {
			r.Ratelimit.Limit = int(n)
		}
		if n, err := strconv.ParseInt(h.Get("x-rate-limit-remaining"), 10, 64); err == nil {
			r.Ratelimit.Remaining = int(n)
		}
		if n, err := strconv.ParseInt(h.Get("retry-after"), 10, 64); err == nil && n > 0 {
			r.Ratelimit.RetryAfter = time.Duration(n) * time.Second
		}
	}
	return r
}

// Do sends one request. params, if not nil, is a struct with `url` field tags
// which gets encoded as the query string. Non-2xx responses are returned as *Error.
func (c *Client) Do(ctx context.Context, method, path string, params any, bodyobj any, out any) error {
	var body io.Reader
	if bodyobj != nil {
		b, err := json.Marshal(bodyobj)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	uri := c.Host + path
	if params != nil {
		vals, err := query.Values(params)
		if err != nil {
			return fmt.Errorf("encoding query params: %w", err)
		}
		if len(vals) > 0 {
			uri += "?" + vals.Encode()
		}
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for request slot: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return err
	}
	if bodyobj != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != nil {
		req.Header.Set("User-Agent", *c.UserAgent)
	} else {
		req.Header.Set("User-Agent", "tweetbot/"+versioninfo.Short())
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	client := c.Client
	if method != http.MethodGet && c.WriteClient != nil {
		client = c.WriteClient
	}
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae APIError
		if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil || ae.Title == "" {
			return errorFromHTTPResponse(resp, fmt.Errorf("%s", http.StatusText(resp.StatusCode)))
		}
		return errorFromHTTPResponse(resp, &ae)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

// IsThrottled reports whether err is an X API rate limit response.
func IsThrottled(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.IsThrottled()
}
