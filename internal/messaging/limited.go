package messaging

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "popupguard/pkg/logx"
)

// LimitedConfig controls pacing and retries of outbound messages.
type LimitedConfig struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
}

// Limited wraps a Channel with a token bucket and bounded retries.
// ErrTabNotFound is permanent and never retried.
type Limited struct {
	next Channel
	log  logx.Logger

	mu      sync.Mutex
	cfg     LimitedConfig
	limiter *rate.Limiter
}

func NewLimited(next Channel, cfg LimitedConfig, log logx.Logger) *Limited {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Limited{next: next, log: log}
	l.Apply(cfg)
	return l
}

// Apply swaps pacing settings at runtime.
func (l *Limited) Apply(cfg LimitedConfig) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	l.mu.Lock()
	l.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	l.mu.Unlock()
}

func (l *Limited) SendToTab(ctx context.Context, tabID string, msg Message) error {
	l.mu.Lock()
	cfg := l.cfg
	lim := l.limiter
	l.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := l.next.SendToTab(callCtx, tabID, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt >= maxAttempts {
			break
		}
		l.log.Debug("tab send failed; retrying", logx.String("tab", tabID), logx.Int("attempt", attempt), logx.Err(err))

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func retryable(err error) bool {
	return !errors.Is(err, ErrTabNotFound) &&
		!errors.Is(err, ErrEmptyTabID) &&
		!errors.Is(err, context.Canceled)
}

// retryDelay is the wait before attempt+1: exponential from RetryBase with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg LimitedConfig, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
