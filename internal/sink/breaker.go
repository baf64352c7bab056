package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/extract"
)

// ErrCircuitOpen is returned while a Breaker is cooling down.
var ErrCircuitOpen = errors.New("delivery suspended after repeated failures")

// Deliverer is anything that accepts documents; every sink in this package is one.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID string, doc extract.Document) (string, error)
}

// Breaker stops calling a failing backend after Threshold consecutive
// failures. The cooldown doubles on each reopen (30s, 60s, 120s, ... up to
// MaxBackoff). Once it expires one trial delivery is let through; success
// closes the breaker, failure reopens it.
type Breaker struct {
	next        Deliverer
	threshold   int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures int
	opens    int
	retryAt  time.Time
	trial    bool
}

func NewBreaker(next Deliverer, threshold int, baseBackoff, maxBackoff time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = 30 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Breaker{next: next, threshold: threshold, baseBackoff: baseBackoff, maxBackoff: maxBackoff, now: time.Now}
}

func (b *Breaker) Deliver(ctx context.Context, sessionID string, doc extract.Document) (string, error) {
	if err := b.allow(); err != nil {
		return "", err
	}
	loc, err := b.next.Deliver(ctx, sessionID, doc)
	b.record(err)
	return loc, err
}

// Open reports whether deliveries are currently being refused.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.retryAt)
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retryAt.IsZero() {
		return nil
	}
	if b.now().Before(b.retryAt) || b.trial {
		return fmt.Errorf("%w (retry after %s)", ErrCircuitOpen, b.retryAt.Format(time.RFC3339))
	}
	// half-open
	b.trial = true
	log.Info().Msg("delivery breaker half-open")
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasTrial := b.trial
	b.trial = false

	// A cancelled request says nothing about the backend.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return
	}
	if err == nil {
		if !b.retryAt.IsZero() {
			log.Info().Msg("delivery breaker closed")
		}
		b.failures, b.opens, b.retryAt = 0, 0, time.Time{}
		return
	}

	b.failures++
	if !wasTrial && b.failures < b.threshold {
		return
	}
	b.opens++
	backoff := b.baseBackoff
	for i := 1; i < b.opens; i++ {
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
			break
		}
	}
	b.retryAt = b.now().Add(backoff)
	log.Warn().Err(err).Int("failures", b.failures).Dur("cooldown", backoff).Time("retry_at", b.retryAt).Msg("delivery breaker opened")
}

// Remove clears a session's outputs when the wrapped sink holds them.
// Removal bypasses the breaker.
func (b *Breaker) Remove(sessionID string) error {
	if r, ok := b.next.(interface{ Remove(string) error }); ok {
		return r.Remove(sessionID)
	}
	return nil
}
