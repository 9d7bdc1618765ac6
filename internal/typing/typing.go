// Package typing keeps a platform's ephemeral typing indicator alive by
// renewing it on a fixed interval until stopped.
package typing

import (
	"sync"
	"time"
)

// Loop renews a typing indicator. The first renewal waits out a short
// initial delay so very fast responses never flash an indicator; a timer
// that fires after Stop does nothing.
type Loop struct {
	send     func()
	initial  time.Duration
	interval time.Duration

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewLoop creates a Loop calling send on each renewal. It does not start
// until Start is called.
func NewLoop(send func(), initial, interval time.Duration) *Loop {
	return &Loop{
		send:     send,
		initial:  initial,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the renewal goroutine. Call at most once.
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	timer := time.NewTimer(l.initial)
	defer timer.Stop()
	select {
	case <-l.done:
		return
	case <-timer.C:
	}
	if !l.fire() {
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if !l.fire() {
				return
			}
		}
	}
}

// fire sends a renewal unless the loop was stopped between the timer firing
// and this check.
func (l *Loop) fire() bool {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return false
	}
	l.send()
	return true
}

// Stop cancels renewal. Idempotent and safe to call from any goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
}
