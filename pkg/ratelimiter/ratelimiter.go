// Package ratelimiter implements a sliding-window limiter: key = (user_id,
// ref), timestamp-list based, atomic check-and-append per key.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // only meaningful when !Allowed
}

// Limiter is the sliding-window rate limiter interface, backed by either the
// in-process Store or the Redis-backed Store in redis.go.
type Limiter interface {
	Check(ctx context.Context, userID string, ref componentref.Ref, p *policy.Policy) (Result, error)
	Reset(ctx context.Context, userID string, ref componentref.Ref) error
	Status(ctx context.Context, userID string, ref componentref.Ref, p *policy.Policy) (Result, error)
}

// window is the mutable per-key state: a bounded, time-ordered list of
// request timestamps (ms since epoch) within the active window.
type window struct {
	mu         sync.Mutex
	timestamps []int64
}

// InMemory is the default single-process Limiter: a mutex-protected map,
// single-writer-per-key by construction (each key's mutex serializes its own
// check-and-append).
type InMemory struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemory creates an in-process sliding-window limiter.
func NewInMemory() *InMemory {
	return &InMemory{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func key(userID string, ref componentref.Ref) string {
	return userID + "\x00" + ref.String()
}

func (l *InMemory) windowFor(k string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[k]
	if !ok {
		w = &window{}
		l.windows[k] = w
	}
	return w
}

// Check applies the sliding-window algorithm: prune timestamps outside the
// window, then admit only if the remaining count is under the limit.
func (l *InMemory) Check(_ context.Context, userID string, ref componentref.Ref, p *policy.Policy) (Result, error) {
	if p == nil || p.RateLimit == nil {
		return Result{Allowed: true, Remaining: -1}, nil
	}

	windowMS, err := p.RateLimit.WindowMS()
	if err != nil {
		return Result{}, err
	}
	max := p.RateLimit.Requests

	w := l.windowFor(key(userID, ref))
	w.mu.Lock()
	defer w.mu.Unlock()

	nowMS := l.now().UnixMilli()
	windowStart := nowMS - windowMS

	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts >= windowStart {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) >= max {
		retryAfter := time.Duration(0)
		if len(w.timestamps) > 0 {
			oldest := w.timestamps[0]
			ra := oldest + windowMS - nowMS
			if ra < 0 {
				ra = 0
			}
			retryAfter = time.Duration(ra) * time.Millisecond
		} else {
			// empty list but count>=max (stale state) falls back to the
			// full window as retry_after.
			retryAfter = time.Duration(windowMS) * time.Millisecond
		}
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	w.timestamps = append(w.timestamps, nowMS)
	return Result{Allowed: true, Remaining: max - len(w.timestamps)}, nil
}

// Reset removes the window entry for (userID, ref).
func (l *InMemory) Reset(_ context.Context, userID string, ref componentref.Ref) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key(userID, ref))
	return nil
}

// Status is a non-mutating variant of Check: it reports what Check would
// return without recording a new timestamp.
func (l *InMemory) Status(_ context.Context, userID string, ref componentref.Ref, p *policy.Policy) (Result, error) {
	if p == nil || p.RateLimit == nil {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	windowMS, err := p.RateLimit.WindowMS()
	if err != nil {
		return Result{}, err
	}
	max := p.RateLimit.Requests

	w := l.windowFor(key(userID, ref))
	w.mu.Lock()
	defer w.mu.Unlock()

	nowMS := l.now().UnixMilli()
	windowStart := nowMS - windowMS
	count := 0
	var oldest int64
	for _, ts := range w.timestamps {
		if ts >= windowStart {
			if count == 0 {
				oldest = ts
			}
			count++
		}
	}

	if count >= max {
		ra := oldest + windowMS - nowMS
		if ra < 0 {
			ra = 0
		}
		return Result{Allowed: false, RetryAfter: time.Duration(ra) * time.Millisecond}, nil
	}
	return Result{Allowed: true, Remaining: max - count}, nil
}
