package auth

import (
	"sync"
	"time"
)

const (
	// DefaultMaxFailures is the number of failed attempts allowed per window
	DefaultMaxFailures = 5

	// DefaultFailureWindow is how long failures are remembered
	DefaultFailureWindow = 15 * time.Minute
)

// RateLimiter tracks failed admin authentications by client IP
type RateLimiter struct {
	maxFailures int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures map[string]*failureWindow

	stop     chan struct{}
	stopOnce sync.Once
}

type failureWindow struct {
	count int
	first time.Time
}

// NewRateLimiter creates a limiter with the default policy and starts its
// cleanup loop. Call Stop to end it.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWith(DefaultMaxFailures, DefaultFailureWindow)
}

// NewRateLimiterWith creates a limiter allowing maxFailures per window
func NewRateLimiterWith(maxFailures int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
		failures:    make(map[string]*failureWindow),
		stop:        make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether ip may attempt to authenticate
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	f, ok := rl.failures[ip]
	if !ok {
		return true
	}
	if rl.now().Sub(f.first) > rl.window {
		delete(rl.failures, ip)
		return true
	}
	return f.count < rl.maxFailures
}

// RecordFailure records a failed attempt for ip
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	f, ok := rl.failures[ip]
	if !ok || now.Sub(f.first) > rl.window {
		rl.failures[ip] = &failureWindow{count: 1, first: now}
		return
	}
	f.count++
}

// Reset clears failures for ip, called after a successful login
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	delete(rl.failures, ip)
	rl.mu.Unlock()
}

// Failures returns the number of recorded failures for ip
func (rl *RateLimiter) Failures(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if f, ok := rl.failures[ip]; ok {
		return f.count
	}
	return 0
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, f := range rl.failures {
		if now.Sub(f.first) > rl.window {
			delete(rl.failures, ip)
		}
	}
}
