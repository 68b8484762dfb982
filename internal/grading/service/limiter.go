package service

import (
	"context"
	"time"
)

// rateLimiter caps how many jobs start per window. Tokens are handed out
// from a buffered channel and the window ticker refills it to capacity, so
// a burst can spend the whole window budget at once but never more.
type rateLimiter struct {
	tokens chan struct{}
	stop   chan struct{}
}

func newRateLimiter(perWindow int, window time.Duration) *rateLimiter {
	l := &rateLimiter{
		tokens: make(chan struct{}, perWindow),
		stop:   make(chan struct{}),
	}
	l.fill()
	go l.refill(window)
	return l
}

func (l *rateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-l.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *rateLimiter) Close() {
	close(l.stop)
}

func (l *rateLimiter) fill() {
	for {
		select {
		case l.tokens <- struct{}{}:
		default:
			return
		}
	}
}

func (l *rateLimiter) refill(window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.fill()
		}
	}
}
