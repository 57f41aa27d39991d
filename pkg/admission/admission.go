// Package admission enforces title-node's resource envelope: a
// process-wide weighted semaphore over in-flight bytes, pre-request size
// checks, a slowloris guard on chunk reads, a hard cap on declared-size
// overruns, and a dynamic per-request deadline.
package admission

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/types"
)

// permitIncrement is the granularity at which a request acquires semaphore
// weight as bytes arrive, per §4.5.
const permitIncrement = 64 << 10

// Admitter owns the process-wide memory semaphore. One Admitter is shared
// read-only (aside from its internal semaphore) across all request scopes.
type Admitter struct {
	sem *semaphore.Weighted
}

// New builds an Admitter whose semaphore is initialized to
// maxConcurrentBytes permits.
func New(maxConcurrentBytes int64) *Admitter {
	return &Admitter{sem: semaphore.NewWeighted(maxConcurrentBytes)}
}

// Scope is a per-request handle: the semaphore permits it has acquired and
// the deadline governing the request. It must be released exactly once.
type Scope struct {
	admitter *Admitter
	held     int64
	deadline time.Time
}

// PreCheck rejects a declared content length before any network read, per
// the §4.5 pre-check rule.
func PreCheck(declaredLength, maxSingleContentBytes int64) error {
	if declaredLength > maxSingleContentBytes {
		return errs.New(errs.PayloadTooLarge, "declared content length exceeds max_single_content_bytes")
	}
	return nil
}

// Deadline computes the dynamic per-request deadline: min(max_global_timeout,
// base_processing_time + content_size/min_upload_speed).
func Deadline(budget types.ResourceBudget, contentSize int64) time.Duration {
	if budget.MinUploadSpeedBytesPerSec <= 0 {
		return time.Duration(budget.MaxGlobalTimeoutSec) * time.Second
	}
	dynamic := budget.BaseProcessingTimeSec + contentSize/budget.MinUploadSpeedBytesPerSec
	if dynamic > budget.MaxGlobalTimeoutSec {
		dynamic = budget.MaxGlobalTimeoutSec
	}
	return time.Duration(dynamic) * time.Second
}

// NewScope acquires no permits yet; it records the deadline that Read will
// enforce as the request proceeds. Callers obtain permits incrementally via
// Acquire as bytes actually arrive.
func (a *Admitter) NewScope(budget types.ResourceBudget, contentSize int64) *Scope {
	return &Scope{
		admitter: a,
		deadline: time.Now().Add(Deadline(budget, contentSize)),
	}
}

// Acquire reserves n additional bytes of semaphore weight for this scope,
// failing immediately (no blocking) with ResourceExhausted when the process
// is at capacity, per §4.5's "failure to acquire immediately terminates
// that connection" rule.
func (s *Scope) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if !s.admitter.sem.TryAcquire(n) {
		return errs.New(errs.ResourceExhausted, "memory semaphore exhausted")
	}
	s.held += n
	return nil
}

// Release returns every permit this scope holds. It is safe to call more
// than once; only the first call has effect.
func (s *Scope) Release() {
	if s.held > 0 {
		s.admitter.sem.Release(s.held)
		s.held = 0
	}
}

// Deadline reports this scope's absolute deadline.
func (s *Scope) Deadline() time.Time { return s.deadline }

// Expired reports whether the scope's deadline has already passed.
func (s *Scope) Expired() bool { return time.Now().After(s.deadline) }

// BoundedReader wraps r so that: (a) it never yields more than
// declaredLength bytes total (the zip-bomb guard): once declaredLength
// bytes are read it reports io.EOF without reading further, so surplus
// bytes in r are left unread rather than reported as an error, and
// (b) each individual Read call that takes longer than chunkTimeout fails
// with SlowPeer, and (c) as bytes arrive, the scope's semaphore weight
// grows in permitIncrement-sized steps to cover the total read so far.
type BoundedReader struct {
	r              io.Reader
	scope          *Scope
	declaredLength int64
	chunkTimeout   time.Duration
	read           int64
}

// NewBoundedReader constructs a BoundedReader enforcing the zip-bomb,
// slowloris, and semaphore-acquisition guards together.
func NewBoundedReader(r io.Reader, scope *Scope, declaredLength int64, chunkTimeout time.Duration) *BoundedReader {
	return &BoundedReader{r: r, scope: scope, declaredLength: declaredLength, chunkTimeout: chunkTimeout}
}

// Read implements io.Reader with the §4.5 guards layered on top of the
// underlying stream.
func (b *BoundedReader) Read(p []byte) (int, error) {
	if b.scope.Expired() {
		return 0, errs.New(errs.Deadline, "request deadline exceeded")
	}
	if b.read >= b.declaredLength {
		return 0, io.EOF
	}
	remaining := b.declaredLength - b.read
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := b.r.Read(p)
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		if res.n > 0 {
			b.read += int64(res.n)
			// Grow the scope's holding to cover every byte read so far,
			// rounded up to whole permitIncrement steps.
			if shortfall := b.read - b.scope.held; shortfall > 0 {
				if err := b.scope.Acquire(context.Background(), chunkPermits(int(shortfall))*permitIncrement); err != nil {
					return 0, err
				}
			}
			if b.read > b.declaredLength {
				return res.n, errs.New(errs.PayloadTooLarge, "stream exceeded declared length")
			}
		}
		if res.err != nil && res.err != io.EOF {
			return res.n, errs.Wrap(errs.Proxy, "underlying read failed", res.err)
		}
		return res.n, res.err
	case <-time.After(b.chunkTimeout):
		return 0, errs.New(errs.SlowPeer, "chunk read exceeded chunk_read_timeout_sec")
	}
}

func chunkPermits(n int) int64 {
	permits := int64(n) / permitIncrement
	if int64(n)%permitIncrement != 0 {
		permits++
	}
	if permits == 0 {
		permits = 1
	}
	return permits
}
