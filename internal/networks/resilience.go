package networks

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// RetryConfig is the backoff policy for explorer API calls.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryOn lists the HTTP statuses worth another attempt.
	RetryOn []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		RetryOn: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// backoff returns the delay before retry n (0-based) with +/-25% jitter.
func (rc RetryConfig) backoff(n int) time.Duration {
	d := float64(rc.InitialDelay) * math.Pow(rc.BackoffFactor, float64(n))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if limit := float64(rc.MaxDelay); d > limit {
		d = limit
	}
	return time.Duration(d)
}

func (rc RetryConfig) retryable(status int) bool {
	for _, code := range rc.RetryOn {
		if code == status {
			return true
		}
	}
	return false
}

// throttle spaces calls at least interval apart.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newThrottle(perSecond float64) *throttle {
	return &throttle{interval: time.Duration(float64(time.Second) / perSecond)}
}

func (t *throttle) wait(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	at := t.next
	if at.Before(now) {
		at = now
	}
	t.next = at.Add(t.interval)
	t.mu.Unlock()

	if d := time.Until(at); d > 0 {
		log.Debug().Dur("sleep", d).Msg("throttling explorer call")
		return sleepCtx(ctx, d)
	}
	return nil
}

// RetryableHTTPClient is a throttled HTTP client that retries transport
// errors and the statuses in its RetryConfig. Only idempotent API calls go
// through it; transactions are never retried.
type RetryableHTTPClient struct {
	client   *http.Client
	policy   RetryConfig
	throttle *throttle
}

func NewRetryableHTTPClient(timeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:   &http.Client{Timeout: timeout},
		policy:   DefaultRetryConfig(),
		throttle: newThrottle(requestsPerSecond),
	}
}

// WithRetryConfig replaces the retry policy.
func (c *RetryableHTTPClient) WithRetryConfig(cfg RetryConfig) *RetryableHTTPClient {
	c.policy = cfg
	return c
}

// Do sends req, retrying per policy. When retries run out on a retryable
// status, that last response is returned to the caller.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if err := c.throttle.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.client.Do(rewind(req))
		last := attempt >= c.policy.MaxRetries

		ev := log.Warn().Int("attempt", attempt+1).Int("max_retries", c.policy.MaxRetries).Str("url", req.URL.Redacted())
		switch {
		case err != nil && last:
			return nil, err
		case err != nil:
			ev = ev.Err(err)
		case last || !c.policy.retryable(resp.StatusCode):
			return resp, nil
		default:
			resp.Body.Close()
			ev = ev.Int("status", resp.StatusCode)
		}

		delay := c.policy.backoff(attempt)
		ev.Dur("delay", delay).Msg("explorer request failed, retrying")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// rewind clones req with a fresh body, since each attempt consumes it.
func rewind(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			clone.Body = body
		}
	}
	return clone
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ValidationError names the field of a network definition that cannot be used.
type ValidationError struct {
	Network string
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: network %s: %s=%s: %s", e.Network, e.Field, e.Value, e.Message)
}

// maxBlockGas bounds configured gas limits; no public chain accepts more per tx.
const maxBlockGas = 30_000_000

// Validate checks a network definition before anything is dialed.
func Validate(n Network) error {
	if n.Name == "" {
		return ValidationError{Field: "name", Message: "network name is required"}
	}

	if n.URL != "" && n.Host != "" {
		return ValidationError{Network: n.Name, Field: "url", Value: n.URL, Message: "set either url or host/port, not both"}
	}
	if n.URL != "" && !strings.HasPrefix(n.URL, "http://") && !strings.HasPrefix(n.URL, "https://") &&
		!strings.HasPrefix(n.URL, "ws://") && !strings.HasPrefix(n.URL, "wss://") {
		return ValidationError{Network: n.Name, Field: "url", Value: n.URL, Message: "url must be http(s) or ws(s)"}
	}
	if n.Port < 0 || n.Port > 65535 {
		return ValidationError{Network: n.Name, Field: "port", Value: strconv.Itoa(n.Port), Message: "port out of range"}
	}

	if id := strings.TrimSpace(n.NetworkID); id != "" && id != AnyNetworkID {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return ValidationError{Network: n.Name, Field: "network_id", Value: id, Message: "must be \"*\" or a decimal chain id"}
		}
	}

	if n.Gas > maxBlockGas {
		return ValidationError{Network: n.Name, Field: "gas", Value: strconv.FormatUint(n.Gas, 10), Message: fmt.Sprintf("gas limit above %d", maxBlockGas)}
	}

	if n.ReferenceToken != "" && !common.IsHexAddress(n.ReferenceToken) {
		return ValidationError{Network: n.Name, Field: "reference_token", Value: n.ReferenceToken, Message: "not a hex address"}
	}

	return nil
}
