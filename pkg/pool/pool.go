package pool

import (
	"sync"
)

// Limiter caps the number of client connections a load balancer serves at
// once. Backend connections cannot be pooled at layer 4: every client stream
// gets its own upstream stream, so the limit is on concurrent sessions.
type Limiter struct {
	maxSize int
	mu      sync.RWMutex
	active  int
}

// NewLimiter creates a limiter admitting up to maxSize concurrent
// connections. maxSize <= 0 means unbounded.
func NewLimiter(maxSize int) *Limiter {
	return &Limiter{maxSize: maxSize}
}

// Acquire reserves a slot or returns ErrPoolExhausted
func (l *Limiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxSize > 0 && l.active >= l.maxSize {
		return ErrPoolExhausted
	}

	l.active++
	return nil
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()
}

// ActiveConnections returns the number of slots in use
func (l *Limiter) ActiveConnections() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Capacity returns the configured maximum, 0 when unbounded
func (l *Limiter) Capacity() int {
	if l.maxSize < 0 {
		return 0
	}
	return l.maxSize
}

// Error definitions
var (
	ErrPoolExhausted = &PoolError{"connection limit reached"}
)

// PoolError represents a pool-related error
type PoolError struct {
	message string
}

func (e *PoolError) Error() string {
	return e.message
}
