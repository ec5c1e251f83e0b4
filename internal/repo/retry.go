package repo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrStoreBusy is returned once the retry budget for a transient lock error
// is spent. Callers may retry the whole request later.
var ErrStoreBusy = errors.New("database is temporarily busy; retry shortly")

// RetryConfig controls retry behavior for transient SQLite errors. OnWait,
// when set, receives the total time an operation spent backing off.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	OnWait     func(op string, waited time.Duration)
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries: 4,
	BaseDelay:  25 * time.Millisecond,
	MaxDelay:   time.Second,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.BaseDelay <= 0 {
		c.MaxRetries = DefaultRetryConfig.MaxRetries
		c.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = DefaultRetryConfig.MaxDelay
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	return c
}

// IsTransient reports whether err is a SQLite lock or WAL contention error
// that may clear on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retry executes fn with exponential backoff and jitter for transient
// errors. Non-transient errors return immediately; cancellation of ctx stops
// the wait.
func (r Repo) retry(ctx context.Context, op string, fn func() error) error {
	cfg := r.Retry.withDefaults()
	var (
		lastErr error
		waited  time.Duration
	)
	defer func() {
		if waited > 0 && cfg.OnWait != nil {
			cfg.OnWait(op, waited)
		}
	}()
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		delay := backoffDelay(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		waited += delay
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreBusy, op, lastErr)
}

// backoffDelay is baseDelay * 2^attempt capped at maxDelay, plus jitter in
// [0, baseDelay).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	return delay + jitter
}
