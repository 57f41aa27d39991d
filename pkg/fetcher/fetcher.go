package fetcher

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/titleprotocol/core/pkg/admission"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/types"
)

// defaultOutboundRPS caps how often this process drives the bridge with
// outbound fetches, independent of any one request's own deadline: a
// single compromised or buggy gateway issuing many verify/sign requests
// back to back must not be able to turn this environment into an
// unbounded outbound traffic source.
const defaultOutboundRPS = 50

// defaultChunkTimeout is used when a request's budget carries no
// chunk_read_timeout_sec (e.g. zero-value budgets in tests).
const defaultChunkTimeout = 5 * time.Second

// RetryConfig configures retry behavior for transient bridge failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig mirrors the teacher's operator-to-operator transport
// defaults, tuned down slightly since every call here already sits inside
// a request-scoped deadline.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  50 * time.Millisecond,
	MaxBackoff:      500 * time.Millisecond,
	BackoffMultiple: 2.0,
}

// Fetcher wraps a Bridge with the §4.5 resource envelope: a size cap
// enforced by the bridge while bytes are still arriving, a memory
// semaphore scope acquired incrementally as those bytes arrive, and a
// budget-derived deadline applied to the whole round trip.
type Fetcher struct {
	bridge      Bridge
	retryConfig RetryConfig
	limiter     *rate.Limiter
	admitter    *admission.Admitter
}

// New builds a Fetcher over the given Bridge, rate limited to
// defaultOutboundRPS outbound calls per second and admitting every read
// through admitter's shared memory semaphore.
func New(bridge Bridge, admitter *admission.Admitter) *Fetcher {
	return &Fetcher{
		bridge:      bridge,
		retryConfig: DefaultRetryConfig,
		limiter:     rate.NewLimiter(rate.Limit(defaultOutboundRPS), defaultOutboundRPS),
		admitter:    admitter,
	}
}

// Get issues a GET for url, capped at sizeCap bytes and bounded by the
// deadline admission.Deadline derives from budget and sizeCap.
func (f *Fetcher) Get(ctx context.Context, url string, sizeCap int64, budget types.ResourceBudget) ([]byte, error) {
	return f.do(ctx, http.MethodGet, url, nil, sizeCap, budget)
}

// Post issues a POST for url with body, under the same budget envelope.
func (f *Fetcher) Post(ctx context.Context, url string, body []byte, budget types.ResourceBudget) ([]byte, error) {
	return f.do(ctx, http.MethodPost, url, body, int64(len(body)), budget)
}

func (f *Fetcher) do(ctx context.Context, method, url string, body []byte, sizeCap int64, budget types.ResourceBudget) ([]byte, error) {
	deadline := admission.Deadline(budget, sizeCap)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.Deadline, "outbound rate limit wait exceeded deadline", err)
	}

	chunkTimeout := time.Duration(budget.ChunkReadTimeoutSec) * time.Second
	if chunkTimeout <= 0 {
		chunkTimeout = defaultChunkTimeout
	}

	var lastErr error
	backoff := f.retryConfig.InitialBackoff
	for attempt := 0; attempt < f.retryConfig.MaxAttempts; attempt++ {
		scope := f.admitter.NewScope(budget, sizeCap)
		status, respBody, err := f.bridge.RoundTrip(ctx, method, url, body, sizeCap, chunkTimeout, scope)
		scope.Release()
		if err == nil {
			if status != http.StatusOK {
				return nil, errs.New(errs.Proxy, "outbound bridge returned non-200 status")
			}
			return respBody, nil
		}
		lastErr = err

		if !errs.Retriable(err) {
			return nil, err
		}
		if attempt < f.retryConfig.MaxAttempts-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.Deadline, "fetch deadline exceeded during backoff", ctx.Err())
			}
			backoff = time.Duration(float64(backoff) * f.retryConfig.BackoffMultiple)
			if backoff > f.retryConfig.MaxBackoff {
				backoff = f.retryConfig.MaxBackoff
			}
		}
	}
	return nil, errs.Wrap(errs.Proxy, "outbound bridge unavailable after retries", lastErr)
}
