package clash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.clashroyale.com/v1"

	// Conservative client-side limits; the API enforces its own per token.
	requestsPerSecond = 8
	requestsPerMinute = 240

	defaultTimeout    = 30 * time.Second
	defaultRetryAfter = 10 * time.Second
	maxRetries        = 3
)

var (
	ErrTokenInvalid   = errors.New("API returned 403 Forbidden - check the token and its allowed IPs")
	ErrPlayerNotFound = errors.New("API returned 404 Not Found - player does not exist")
)

// StatusError is a non-2xx response the client has no dedicated error for.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Client is a rate-limited Clash Royale API client
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	// Rate limiting
	mu           sync.Mutex
	secondWindow []time.Time // Requests in the last second
	minuteWindow []time.Time // Requests in the last minute
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL sets a custom base URL (useful for testing and proxies)
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for rate-limit waits
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new API client authenticating with a bearer token
func NewClient(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("API token cannot be empty")
	}
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        zerolog.Nop(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// waitForRateLimit blocks until another request fits in both windows
func (c *Client) waitForRateLimit(ctx context.Context) error {
	for {
		c.mu.Lock()
		now := time.Now()
		c.secondWindow = prune(c.secondWindow, now.Add(-time.Second))
		c.minuteWindow = prune(c.minuteWindow, now.Add(-time.Minute))

		var wait time.Duration
		switch {
		case len(c.secondWindow) >= requestsPerSecond:
			wait = c.secondWindow[0].Add(time.Second).Sub(now) + 50*time.Millisecond
		case len(c.minuteWindow) >= requestsPerMinute:
			wait = c.minuteWindow[0].Add(time.Minute).Sub(now) + 50*time.Millisecond
		default:
			c.secondWindow = append(c.secondWindow, now)
			c.minuteWindow = append(c.minuteWindow, now)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		c.log.Debug().Dur("wait", wait).Msg("Client rate limit reached")
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func prune(window []time.Time, cutoff time.Time) []time.Time {
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// doRequest makes a rate-limited GET and returns the body of a 200 response
func (c *Client) doRequest(ctx context.Context, u string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.waitForRateLimit(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return body, nil
		case http.StatusTooManyRequests:
			if attempt >= maxRetries {
				return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
			}
			wait := retryAfter(resp.Header.Get("Retry-After"))
			c.log.Warn().Dur("wait", wait).Int("attempt", attempt+1).Msg("API rate limited, retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case http.StatusForbidden:
			return nil, ErrTokenInvalid
		case http.StatusNotFound:
			return nil, ErrPlayerNotFound
		default:
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
		}
	}
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// FetchBattleLog returns the raw JSON battle log of a player. The tag may
// be given with or without its leading '#'.
func (c *Client) FetchBattleLog(ctx context.Context, playerTag string) ([]byte, error) {
	tag := NormalizeTag(playerTag)
	if tag == "" {
		return nil, fmt.Errorf("player tag cannot be empty")
	}
	u := fmt.Sprintf("%s/players/%s/battlelog", c.baseURL, url.PathEscape(tag))
	return c.doRequest(ctx, u)
}
