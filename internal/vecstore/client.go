// Package vecstore is the fault-tolerance layer around a remote vector index.
//
// Every outbound request goes through one shared execution path that applies,
// in order: a minimum-inter-request-interval gate, exponential-backoff retry
// for transient failures (HTTP 429 and 5xx), and typed error surfacing.
// Health checks feed a circuit breaker scoped to the currently selected
// index, and control-plane host lookups are cached with a TTL.
//
// The client is agnostic to the specific request payload; the operations in
// ops.go are thin wrappers over execute.
package vecstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default resilience parameters.
const (
	// DefaultMaxRetries is the retry budget: 3 retries, up to 4 attempts.
	DefaultMaxRetries = 3

	// DefaultRetryBase is the base backoff: delay = base * 2^(attempt-1) + jitter.
	DefaultRetryBase = 500 * time.Millisecond

	// DefaultMinRequestInterval is the shared throttle applied before every
	// outbound call. A simple token-less gate: the access pattern is
	// single-client, low-concurrency.
	DefaultMinRequestInterval = 100 * time.Millisecond

	// DefaultFailureThreshold is the consecutive health-check failure count
	// that opens the circuit.
	DefaultFailureThreshold = 2

	// DefaultCircuitCooldown is how long an open circuit rejects calls.
	DefaultCircuitCooldown = 20 * time.Second

	// DefaultHostCacheTTL bounds how long a resolved host is reused.
	DefaultHostCacheTTL = 5 * time.Minute

	// DefaultHealthTimeout is the short health-check timeout, distinct from
	// the normal request timeout.
	DefaultHealthTimeout = 5 * time.Second

	// DefaultRequestTimeout applies to all non-health requests.
	DefaultRequestTimeout = 30 * time.Second
)

// Config contains all parameters for the vector store client.
type Config struct {
	APIKey         string
	ProjectID      string
	ControllerHost string // control-plane host, e.g. "api.vectorindex.dev"
	Logger         *slog.Logger

	HTTPClient *http.Client // optional, default http.DefaultClient

	// Resilience tuning (zero values use the defaults above).
	MaxRetries         int
	RetryBase          time.Duration
	MinRequestInterval time.Duration
	FailureThreshold   int
	CircuitCooldown    time.Duration
	HostCacheTTL       time.Duration
	HealthTimeout      time.Duration
	RequestTimeout     time.Duration
}

func (cfg Config) validate() error {
	if cfg.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if cfg.ControllerHost == "" {
		return fmt.Errorf("controller host is required")
	}
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Client wraps the remote vector index with rate limiting, retry, circuit
// breaking, and host caching. It is safe for concurrent use.
//
// CircuitState and the host cache are owned exclusively by the Client and
// mutated only from within its own call path.
type Client struct {
	apiKey         string
	projectID      string
	controllerHost string

	maxRetries     int
	retryBase      time.Duration
	healthTimeout  time.Duration
	requestTimeout time.Duration

	httpc   *http.Client
	limiter *rate.Limiter
	hosts   *hostCache
	breaker *breaker
	logger  *slog.Logger

	// jitter returns a random fraction in [0,1); injectable for tests.
	jitter func() float64

	// sleep blocks for the given backoff delay; injectable for tests.
	sleep func(context.Context, time.Duration) error

	activeMu    sync.RWMutex
	activeIndex string
}

// New creates a vector store client.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("vecstore config: %w", err)
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MinRequestInterval == 0 {
		cfg.MinRequestInterval = DefaultMinRequestInterval
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CircuitCooldown == 0 {
		cfg.CircuitCooldown = DefaultCircuitCooldown
	}
	if cfg.HostCacheTTL == 0 {
		cfg.HostCacheTTL = DefaultHostCacheTTL
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.RequestTimeout}
	}

	c := &Client{
		apiKey:         cfg.APIKey,
		projectID:      cfg.ProjectID,
		controllerHost: cfg.ControllerHost,
		maxRetries:     cfg.MaxRetries,
		retryBase:      cfg.RetryBase,
		healthTimeout:  cfg.HealthTimeout,
		requestTimeout: cfg.RequestTimeout,
		httpc:          httpc,
		limiter:        rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1),
		hosts:          newHostCache(cfg.HostCacheTTL),
		breaker:        newBreaker(cfg.FailureThreshold, cfg.CircuitCooldown),
		logger:         cfg.Logger,
		jitter:         rand.Float64,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	return c, nil
}

// SelectIndex switches the active index. All circuit/health state is reset
// unconditionally and the cached host for the previous index is dropped: a
// new index has no history.
func (c *Client) SelectIndex(name string) {
	c.activeMu.Lock()
	prev := c.activeIndex
	c.activeIndex = name
	c.activeMu.Unlock()

	if prev != "" && prev != name {
		c.hosts.invalidate(prev)
	}
	c.breaker.reset()
	c.logger.Debug("selected index", "index", name, "previous", prev)
}

// ActiveIndex returns the currently selected index name ("" if none).
func (c *Client) ActiveIndex() string {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.activeIndex
}

// HealthState returns the health machine state for the active index.
func (c *Client) HealthState() HealthState {
	return c.breaker.currentState()
}

// execute is the shared execution path used by every operation. It applies
// the rate gate, sends the request, and retries transient failures with
// exponential backoff and 0-30% jitter. The decoded response is written into
// out when out is non-nil.
func (c *Client) execute(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// Gate each attempt, not just the first call.
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		err := c.doRequest(ctx, method, url, payload, out)
		if err == nil {
			if attempt > 0 {
				c.logger.Debug("request succeeded after retry",
					"url", url, "attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !retryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			break
		}

		delay := c.backoff(attempt + 1)
		c.logger.Debug("retrying request",
			"url", url, "attempt", attempt+1, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("canceled during retry backoff: %w", err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.maxRetries+1, lastErr)
}

// backoff computes the delay before retry number attempt (1-based):
// base * 2^(attempt-1) plus a random 0-30% of that value.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.retryBase * (1 << (attempt - 1))
	jitter := time.Duration(c.jitter() * 0.3 * float64(base))
	return base + jitter
}

// doRequest performs a single HTTP attempt.
func (c *Client) doRequest(ctx context.Context, method, url string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.projectID != "" {
		req.Header.Set("X-Project-Id", c.projectID)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
