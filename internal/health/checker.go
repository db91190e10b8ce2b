package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tcplb/internal/backend"
	"tcplb/internal/target"
)

// Result is the outcome of a single probe.
type Result int

const (
	// Unreachable means the connect failed or timed out.
	Unreachable Result = iota
	// Healthy means the connect succeeded.
	Healthy
)

func (r Result) String() string {
	if r == Healthy {
		return "healthy"
	}
	return "unreachable"
}

// ErrNoPort is returned by Dial when the target has no derivable port.
var ErrNoPort = errors.New("target has no port")

// PeerSource supplies the peers to probe on every round.
type PeerSource interface {
	Peers() []*backend.Peer
}

// DialFunc attempts to reach t within timeout and returns nil on success. The
// Checker also cancels ctx once the timeout has passed.
type DialFunc func(ctx context.Context, t target.Target, timeout time.Duration) error

// Checker performs health checks on backend peers
type Checker struct {
	peers    PeerSource
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker
func NewChecker(peers PeerSource, interval, timeout time.Duration) *Checker {
	return &Checker{
		peers:    peers,
		interval: interval,
		timeout:  timeout,
		dial:     Dial,
		logger:   log.With().Str("component", "health").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// SetDialFunction replaces the TCP dial used by probes. Used by tests.
func (c *Checker) SetDialFunction(dial DialFunc) {
	c.dial = dial
}

// Start probes every peer immediately and then once per interval. It blocks
// until ctx is done or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	select {
	case <-c.stopCh:
		return
	default:
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.interval).Dur("timeout", c.timeout).Msg("health checker started")

	// Initial health check
	c.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			c.logger.Info().Msg("health checker stopped")
			return
		case <-c.stopCh:
			c.logger.Info().Msg("health checker stopped")
			return
		}
	}
}

// Stop stops the health checker and waits for the running round to finish.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// CheckAll probes every peer concurrently and returns when all probes have
// finished. No probe outlives the configured timeout.
func (c *Checker) CheckAll(ctx context.Context) {
	peers := c.peers.Peers()

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p *backend.Peer) {
			defer wg.Done()
			c.check(ctx, p)
		}(peer)
	}
	wg.Wait()
}

// check bounds the dial by the probe timeout, whatever the dial function does
// with its own timeout argument.
func (c *Checker) check(ctx context.Context, peer *backend.Peer) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.dial(ctx, peer.HealthTarget(), c.timeout)
	return record(c.logger, peer, err, c.timeout)
}

// Probe checks a single peer with a bounded connect timeout and records the
// outcome in its health flag. A timeout is a normal negative result, not an
// error.
func Probe(ctx context.Context, peer *backend.Peer, timeout time.Duration) Result {
	err := Dial(ctx, peer.HealthTarget(), timeout)
	return record(log.With().Str("component", "health").Logger(), peer, err, timeout)
}

// Dial opens and immediately closes a TCP connection to t.
func Dial(ctx context.Context, t target.Target, timeout time.Duration) error {
	hostport, ok := t.HostPort()
	if !ok {
		return fmt.Errorf("%s: %w", t, ErrNoPort)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return err
	}
	return conn.Close()
}

func record(logger zerolog.Logger, peer *backend.Peer, err error, timeout time.Duration) Result {
	result := Healthy
	if err != nil {
		result = Unreachable
		switch {
		case isTimeout(err):
			logger.Debug().Str("peer", peer.String()).Dur("timeout", timeout).Msg("tcp health check timed out")
		case errors.Is(err, ErrNoPort):
			logger.Warn().Str("peer", peer.String()).Msg("health target has no port; network balancers require one")
		default:
			logger.Debug().Err(err).Str("peer", peer.String()).Msg("health check failed")
		}
	}

	wasHealthy := peer.SetHealthy(result == Healthy)
	if result == Healthy {
		peer.RecordDialSuccess()
	}

	switch {
	case result == Healthy && !wasHealthy:
		logger.Info().Str("peer", peer.String()).Msg("peer is now healthy")
	case result == Unreachable && wasHealthy:
		logger.Warn().Str("peer", peer.String()).Msg("peer is now unhealthy")
	}
	return result
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
