package balancer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"reflect"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"tcplb/internal/backend"
	"tcplb/internal/config"
	"tcplb/internal/health"
	"tcplb/internal/netutil"
	"tcplb/internal/security"
	"tcplb/internal/target"
	"tcplb/pkg/pool"
	"tcplb/pkg/relay"
)

var (
	ErrNoPeer       = errors.New("no available peer")
	ErrUnresolvable = errors.New("peer address could not be resolved")
	ErrRejected     = errors.New("client rejected by security policy")
	ErrRateLimited  = errors.New("connection rate limit exceeded")
)

const maxAcceptDelay = time.Second

// LoadBalancer represents the main load balancer
type LoadBalancer struct {
	cfg      *config.Config
	group    backend.Group
	selector Selector
	locator  Locator
	policy   *security.Policy
	limiter  *pool.Limiter
	rate     *rate.Limiter // nil when unlimited
	checker  *health.Checker
	dialer   net.Dialer
	logger   zerolog.Logger

	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	closed     bool
	conns      sync.WaitGroup
}

// Option customizes a LoadBalancer built by New.
type Option func(*LoadBalancer)

// WithLocator replaces the locator built from the geo configuration.
func WithLocator(l Locator) Option {
	return func(lb *LoadBalancer) { lb.locator = l }
}

// WithLogger replaces the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(lb *LoadBalancer) { lb.logger = logger }
}

// New builds a load balancer from a configuration. Peers start unhealthy and
// receive traffic only after the health checker has probed them.
func New(cfg *config.Config, opts ...Option) (*LoadBalancer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lb := &LoadBalancer{
		cfg: cfg,
		group: backend.Group{
			Name:                   cfg.Backend.Name,
			HealthEndpoint:         cfg.Backend.HealthEndpoint,
			HealthCheckInterval:    cfg.Backend.HealthCheckInterval(),
			HealthCheckTimeout:     cfg.Backend.HealthCheckTimeout(),
			RequestTimeout:         cfg.Backend.RequestTimeout(),
			IdleTimeout:            cfg.Backend.IdleTimeout(),
			FailedRequestThreshold: cfg.Backend.Threshold(),
			RateLimit:              cfg.Backend.ConnectionsPerSecond(),
		}.WithDefaults(),
		limiter: pool.NewLimiter(cfg.LoadBalancer.MaxConnections),
		logger:  log.With().Str("component", "balancer").Logger(),
	}
	for _, opt := range opts {
		opt(lb)
	}

	policy, err := security.NewPolicy(cfg.Security.IPWhitelist, cfg.Security.IPBlacklist)
	if err != nil {
		return nil, err
	}
	lb.policy = policy

	if lb.locator == nil {
		locator, err := LocatorFromConfig(cfg.Geo)
		if err != nil {
			return nil, err
		}
		lb.locator = locator
	}

	lb.selector, err = NewSelector(cfg.LoadBalancer.Strategy, lb.locator, lb.group.FailedRequestThreshold)
	if err != nil {
		return nil, err
	}
	for i, node := range cfg.Backend.Nodes {
		peer, err := lb.buildPeer(node)
		if err != nil {
			return nil, fmt.Errorf("backend.nodes[%d]: %w", i, err)
		}
		lb.selector.AddPeer(peer)
	}

	if r := lb.group.RateLimit; r > 0 {
		lb.rate = rate.NewLimiter(rate.Limit(r), int(math.Max(1, math.Ceil(r))))
	}
	lb.checker = health.NewChecker(lb.selector, lb.group.HealthCheckInterval, lb.group.HealthCheckTimeout)
	return lb, nil
}

func (lb *LoadBalancer) buildPeer(node config.NodeConfig) (*backend.Peer, error) {
	t, err := target.Parse(node.Address)
	if err != nil {
		return nil, err
	}

	var opts []backend.Option
	if node.Weight != nil {
		opts = append(opts, backend.WithWeight(int(*node.Weight)))
	}
	if len(node.Coordinates) == 2 {
		opts = append(opts, backend.WithCoordinates(node.Coordinates[0], node.Coordinates[1]))
	}

	switch {
	case node.HealthAddress != "":
		ht, err := target.Parse(node.HealthAddress)
		if err != nil {
			return nil, fmt.Errorf("health_address: %w", err)
		}
		opts = append(opts, backend.WithHealthTarget(ht))
	case lb.group.HealthEndpoint != "":
		ht, err := t.PushPath(lb.group.HealthEndpoint)
		switch {
		case errors.Is(err, target.ErrPushToNonURL):
			lb.logger.Debug().Str("peer", t.String()).Msg("health endpoint ignored for socket address peer")
		case err != nil:
			return nil, fmt.Errorf("health_endpoint: %w", err)
		default:
			opts = append(opts, backend.WithHealthTarget(ht))
		}
	}

	return backend.NewPeer(t, opts...)
}

// Run accepts connections on ln until it is closed, handling each on its own
// goroutine. It returns nil once the listener is closed and any other
// non-transient accept error otherwise.
func (lb *LoadBalancer) Run(ln net.Listener) error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		ln.Close()
		return nil
	}
	lb.listener = ln
	done := make(chan struct{})
	lb.acceptDone = done
	lb.mu.Unlock()
	defer close(done)

	lb.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", lb.group.Name).
		Str("strategy", lb.selector.Name()).
		Int("peers", len(lb.selector.Peers())).
		Msg("load balancer listening")

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !isTransient(err) {
				return fmt.Errorf("accept: %w", err)
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			lb.logger.Error().Err(err).Dur("retry_in", delay).Msg("accept error")
			time.Sleep(delay)
			continue
		}
		delay = 0

		lb.conns.Add(1)
		go lb.handleConnection(conn)
	}
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

// Serve listens on the configured address and runs until ctx is done.
func (lb *LoadBalancer) Serve(ctx context.Context) error {
	addr := lb.cfg.ListenAddress()
	ln, err := netutil.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { lb.Close() })
	defer stop()
	return lb.Run(ln)
}

// Addr returns the listening address, or nil before Run.
func (lb *LoadBalancer) Addr() net.Addr {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.listener == nil {
		return nil
	}
	return lb.listener.Addr()
}

// Close stops accepting connections. Relays already running finish on their
// own; use Wait to block until they have.
func (lb *LoadBalancer) Close() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return nil
	}
	lb.closed = true
	if lb.listener != nil {
		return lb.listener.Close()
	}
	return nil
}

// Wait blocks until the accept loop has exited and every connection it
// started has finished.
func (lb *LoadBalancer) Wait() {
	lb.mu.Lock()
	done := lb.acceptDone
	lb.mu.Unlock()
	if done != nil {
		<-done
	}
	lb.conns.Wait()
}

// IsAllowed reports whether the security policy admits ip.
func (lb *LoadBalancer) IsAllowed(ip netip.Addr) bool {
	return lb.policy.IsAllowed(ip)
}

// NextPeerAddress runs one selection and resolves the chosen peer without
// connecting to it. It is a real selection: the round-robin position moves
// on and the peer's TotalConnections grows, though nothing stays in flight.
func (lb *LoadBalancer) NextPeerAddress() (netip.AddrPort, bool) {
	peer := lb.selector.Next()
	if peer == nil {
		return netip.AddrPort{}, false
	}
	defer peer.Release()
	return peer.Resolve()
}

// Policy returns the live security policy.
func (lb *LoadBalancer) Policy() *security.Policy { return lb.policy }

// Selector returns the selector owning the peers.
func (lb *LoadBalancer) Selector() Selector { return lb.selector }

// HealthChecker returns the checker probing this balancer's peers.
func (lb *LoadBalancer) HealthChecker() *health.Checker { return lb.checker }

// ApplyConfig takes over the settings of cfg that can change at runtime,
// which are the security lists. It reports whether anything else differs and
// so needs a restart.
func (lb *LoadBalancer) ApplyConfig(cfg *config.Config) (restart bool, err error) {
	if err := lb.policy.Replace(cfg.Security.IPWhitelist, cfg.Security.IPBlacklist); err != nil {
		return false, err
	}
	allow, deny := lb.policy.Size()
	lb.logger.Info().Int("whitelist", allow).Int("blacklist", deny).Msg("security policy reloaded")

	restart = cfg.LoadBalancer != lb.cfg.LoadBalancer ||
		!reflect.DeepEqual(cfg.Backend, lb.cfg.Backend) ||
		!reflect.DeepEqual(cfg.Geo, lb.cfg.Geo)
	return restart, nil
}

func (lb *LoadBalancer) next(client netip.Addr) *backend.Peer {
	if cs, ok := lb.selector.(ClientSelector); ok {
		return cs.NextFor(client)
	}
	return lb.selector.Next()
}

// handleConnection handles incoming connections
func (lb *LoadBalancer) handleConnection(conn net.Conn) {
	defer lb.conns.Done()
	defer conn.Close()

	start := time.Now()
	logger := lb.logger.With().Str("client", conn.RemoteAddr().String()).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("connection handler panicked")
		}
	}()

	stats, err := lb.proxy(conn, &logger)
	if stats == nil {
		switch {
		case errors.Is(err, ErrRejected), errors.Is(err, ErrRateLimited), errors.Is(err, pool.ErrPoolExhausted):
			logger.Info().Err(err).Msg("connection refused")
		default:
			logger.Warn().Err(err).Msg("connection dropped")
		}
		return
	}
	logger.Info().Err(err).
		Int64("bytes_in", stats.ClientToBackend).
		Int64("bytes_out", stats.BackendToClient).
		Dur("duration", time.Since(start)).
		Msg("connection closed")
}

// proxy walks one client connection through admission, selection, dial and
// relay. Stats are nil when the relay never started.
func (lb *LoadBalancer) proxy(conn net.Conn, logger *zerolog.Logger) (*relay.Stats, error) {
	client := remoteIP(conn)
	if !lb.IsAllowed(client) {
		return nil, ErrRejected
	}
	// a connection turned away for capacity must not spend a rate token
	if err := lb.limiter.Acquire(); err != nil {
		return nil, err
	}
	defer lb.limiter.Release()
	if lb.rate != nil && !lb.rate.Allow() {
		return nil, ErrRateLimited
	}

	peer := lb.next(client)
	if peer == nil {
		return nil, ErrNoPeer
	}
	defer peer.Release()
	*logger = logger.With().Str("peer", peer.String()).Logger()

	upstream, err := lb.dial(peer, logger)
	if err != nil {
		return nil, err
	}
	defer upstream.Close()

	stats, err := relay.Run(conn, upstream, relay.Options{IdleTimeout: lb.group.IdleTimeout})
	return &stats, err
}

func (lb *LoadBalancer) dial(peer *backend.Peer, logger *zerolog.Logger) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lb.group.RequestTimeout)
	defer cancel()

	addr, ok := peer.Target().ResolveContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%s: %w", peer, ErrUnresolvable)
	}

	upstream, err := lb.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		failures := peer.RecordDialFailure()
		if t := lb.group.FailedRequestThreshold; t > 0 && failures == int64(t) {
			logger.Warn().Int64("failures", failures).Msg("peer ejected after consecutive dial failures")
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	peer.RecordDialSuccess()
	return upstream, nil
}

func remoteIP(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
