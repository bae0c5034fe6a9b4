package store

import (
	"context"
	"time"
)

// Retry backoff parameters: base 100ms, cap 5s, max 5 attempts.
const (
	retryBase       = 100 * time.Millisecond
	retryCap        = 5 * time.Second
	retryMaxAttempt = 5
)

// RetryStore decorates a Store, retrying Transient failures with bounded
// exponential backoff before surfacing them. Permanent and Corrupt failures
// are returned immediately on the first attempt; only Transient failures
// are worth retrying locally.
//
// Modeled on the RetryDownloader-style decorator pattern: wrap the
// interface rather than retrying in place at each call site.
type RetryStore struct {
	inner Store
	sleep func(time.Duration) // overridable by tests
}

// NewRetryStore wraps inner with bounded exponential-backoff retry.
func NewRetryStore(inner Store) *RetryStore {
	return &RetryStore{inner: inner, sleep: time.Sleep}
}

func backoffDelay(attempt int) time.Duration {
	d := retryBase << uint(attempt)
	if d > retryCap || d <= 0 {
		d = retryCap
	}
	return d
}

func (s *RetryStore) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempt; attempt++ {
		lastErr = op()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == retryMaxAttempt-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		default:
		}
		s.sleep(backoffDelay(attempt))
	}
	return lastErr
}

func (s *RetryStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.withRetry(ctx, func() error {
		var e error
		v, e = s.inner.Get(ctx, key)
		return e
	})
	return v, err
}

func (s *RetryStore) Set(ctx context.Context, key string, value []byte) error {
	return s.withRetry(ctx, func() error { return s.inner.Set(ctx, key, value) })
}

func (s *RetryStore) Remove(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error { return s.inner.Remove(ctx, key) })
}

func (s *RetryStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func() error {
		var e error
		ok, e = s.inner.Exists(ctx, key)
		return e
	})
	return ok, err
}

// List forwards to the inner Store's Lister, if it implements one, wrapped
// in the same retry policy.
func (s *RetryStore) List(ctx context.Context, prefix string) ([]string, error) {
	lister, ok := s.inner.(Lister)
	if !ok {
		return nil, nil
	}
	var keys []string
	err := s.withRetry(ctx, func() error {
		var e error
		keys, e = lister.List(ctx, prefix)
		return e
	})
	return keys, err
}
