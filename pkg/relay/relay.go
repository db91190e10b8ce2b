// Package relay copies bytes between two stream connections in both
// directions, propagating half-closes.
package relay

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// BufferSize bounds every read the relay performs.
const BufferSize = 32 * 1024

// ErrIdleTimeout is returned when neither direction has carried data for
// longer than Options.IdleTimeout.
var ErrIdleTimeout = errors.New("relay: idle timeout")

var buffers = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// Options tunes a relay.
type Options struct {
	// IdleTimeout ends the whole session once neither direction has read
	// anything for this long. Zero disables it.
	IdleTimeout time.Duration
}

// Stats reports how many bytes crossed in each direction.
type Stats struct {
	ClientToBackend int64
	BackendToClient int64
}

type closeWriter interface {
	CloseWrite() error
}

// Run copies client→backend and backend→client concurrently and returns once
// both directions have finished.
//
// When a direction reaches EOF or fails, only the write half of its
// destination is shut down, so the opposite direction keeps flowing until it
// finishes on its own. An idle timeout is not a half-close: both directions
// stop and no EOF is sent either way. Run never closes either connection;
// that is left to the caller. The returned error is the first failure other
// than EOF.
func Run(client, backend net.Conn, opts Options) (Stats, error) {
	var (
		stats Stats
		wg    sync.WaitGroup
		errs  [2]error
	)

	var idle *idleTracker
	if opts.IdleTimeout > 0 {
		idle = newIdleTracker(opts.IdleTimeout, client, backend)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		stats.ClientToBackend, errs[0] = pipe(backend, client, idle)
	}()
	go func() {
		defer wg.Done()
		stats.BackendToClient, errs[1] = pipe(client, backend, idle)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// pipe copies src into dst until EOF or error, then half-closes dst.
func pipe(dst, src net.Conn, idle *idleTracker) (int64, error) {
	bufp := buffers.Get().(*[]byte)
	defer buffers.Put(bufp)

	var r io.Reader = src
	if idle != nil {
		r = &idleReader{conn: src, idle: idle}
	}

	n, err := io.CopyBuffer(dst, r, *bufp)
	if errors.Is(err, ErrIdleTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrIdleTimeout
	}

	shutdownWrite(dst)
	return n, err
}

// shutdownWrite signals EOF to the far end of c. Connections without
// half-close support are closed outright.
func shutdownWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// idleTracker holds the last time either direction read data.
type idleTracker struct {
	timeout time.Duration
	conns   [2]net.Conn
	last    atomic.Int64
	expired atomic.Bool
}

func newIdleTracker(timeout time.Duration, a, b net.Conn) *idleTracker {
	t := &idleTracker{timeout: timeout, conns: [2]net.Conn{a, b}}
	t.touch()
	return t
}

func (t *idleTracker) touch() { t.last.Store(time.Now().UnixNano()) }

func (t *idleTracker) deadline() time.Time {
	return time.Unix(0, t.last.Load()).Add(t.timeout)
}

// expire wakes every blocked read and write on both connections.
func (t *idleTracker) expire() {
	if !t.expired.CompareAndSwap(false, true) {
		return
	}
	now := time.Now()
	for _, c := range t.conns {
		_ = c.SetDeadline(now)
	}
}

// idleReader reads with a deadline that follows the shared last activity, so
// a quiet direction survives as long as the other one is busy.
type idleReader struct {
	conn net.Conn
	idle *idleTracker
}

func (r *idleReader) Read(p []byte) (int, error) {
	for {
		if r.idle.expired.Load() {
			return 0, ErrIdleTimeout
		}
		if err := r.conn.SetReadDeadline(r.idle.deadline()); err != nil {
			return 0, err
		}
		// expire may have run between the check and the new deadline
		if r.idle.expired.Load() {
			return 0, ErrIdleTimeout
		}
		n, err := r.conn.Read(p)
		if n > 0 {
			r.idle.touch()
		}
		if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			if time.Now().Before(r.idle.deadline()) && !r.idle.expired.Load() {
				continue
			}
			r.idle.expire()
			return 0, ErrIdleTimeout
		}
		return n, err
	}
}
