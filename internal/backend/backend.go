package backend

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"tcplb/internal/target"
)

// ErrInvalidCoordinate matches every CoordinateError.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// CoordinateError reports a latitude or longitude outside its valid range.
type CoordinateError struct {
	Field string
	Value float64
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("invalid %s %v", e.Field, e.Value)
}

// Is matches ErrInvalidCoordinate.
func (e *CoordinateError) Is(target error) bool {
	return target == ErrInvalidCoordinate
}

// Coordinate is a point on the globe in degrees.
type Coordinate struct {
	Latitude  float64
	Longitude float64
}

// NewCoordinate validates latitude in [-90, 90] and longitude in [-180, 180].
func NewCoordinate(latitude, longitude float64) (Coordinate, error) {
	if latitude < -90 || latitude > 90 {
		return Coordinate{}, &CoordinateError{Field: "latitude", Value: latitude}
	}
	if longitude < -180 || longitude > 180 {
		return Coordinate{}, &CoordinateError{Field: "longitude", Value: longitude}
	}
	return Coordinate{Latitude: latitude, Longitude: longitude}, nil
}

// Peer represents one backend instance.
//
// Address, weight, coordinates and health target are fixed at construction.
// The health flag is written only by the health checker and read by selectors
// without further coordination: a selector may pick a peer in the short window
// before a probe marks it unhealthy. That is an accepted availability trade-off.
type Peer struct {
	target       target.Target
	healthTarget target.Target
	weight       int
	coordinates  *Coordinate

	healthy     atomic.Bool
	lastChecked atomic.Int64
	active      atomic.Int64
	failures    atomic.Int64
	total       atomic.Uint64
}

// Option configures a Peer at construction.
type Option func(*Peer) error

// WithWeight sets the selection weight. Weights below 1 are rejected.
func WithWeight(weight int) Option {
	return func(p *Peer) error {
		if weight < 1 {
			return fmt.Errorf("peer %s: weight must be >= 1, got %d", p.target, weight)
		}
		p.weight = weight
		return nil
	}
}

// WithCoordinates attaches a validated geocoordinate.
func WithCoordinates(latitude, longitude float64) Option {
	return func(p *Peer) error {
		c, err := NewCoordinate(latitude, longitude)
		if err != nil {
			return fmt.Errorf("peer %s: %w", p.target, err)
		}
		p.coordinates = &c
		return nil
	}
}

// WithHealthTarget probes t instead of the peer's own address.
func WithHealthTarget(t target.Target) Option {
	return func(p *Peer) error {
		p.healthTarget = t
		return nil
	}
}

// NewPeer creates a peer with weight 1, no coordinates, and an unhealthy flag.
func NewPeer(t target.Target, opts ...Option) (*Peer, error) {
	if t.IsZero() {
		return nil, target.ErrInvalidTarget
	}
	p := &Peer{target: t, weight: 1}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ParsePeer parses addr as a Target and builds a peer from it.
func ParsePeer(addr string, opts ...Option) (*Peer, error) {
	t, err := target.Parse(addr)
	if err != nil {
		return nil, err
	}
	return NewPeer(t, opts...)
}

// Target returns the address connections are relayed to.
func (p *Peer) Target() target.Target { return p.target }

// HealthTarget returns the probe destination, which is the peer's own target
// unless a distinct one was configured.
func (p *Peer) HealthTarget() target.Target {
	if p.healthTarget.IsZero() {
		return p.target
	}
	return p.healthTarget
}

// Weight returns the selection weight, 1 unless set.
func (p *Peer) Weight() int { return p.weight }

// Coordinates returns the peer's location, if it has one.
func (p *Peer) Coordinates() (Coordinate, bool) {
	if p.coordinates == nil {
		return Coordinate{}, false
	}
	return *p.coordinates, true
}

// GetAddress returns the canonical address of the peer
func (p *Peer) GetAddress() string { return p.target.String() }

// Resolve resolves the peer's target. See target.Target.Resolve.
func (p *Peer) Resolve() (netip.AddrPort, bool) { return p.target.Resolve() }

// Healthy reports the result of the latest probe.
func (p *Peer) Healthy() bool { return p.healthy.Load() }

// SetHealthy records a probe outcome and returns the previous value.
func (p *Peer) SetHealthy(healthy bool) bool {
	p.lastChecked.Store(time.Now().UnixNano())
	return p.healthy.Swap(healthy)
}

// LastChecked returns when the last probe finished, or the zero time.
func (p *Peer) LastChecked() time.Time {
	ns := p.lastChecked.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Acquire marks one more connection in flight.
func (p *Peer) Acquire() {
	p.active.Add(1)
	p.total.Add(1)
}

// Release undoes Acquire.
func (p *Peer) Release() {
	if p.active.Add(-1) < 0 {
		p.active.Store(0)
	}
}

// ActiveConnections returns the number of selections not yet released.
func (p *Peer) ActiveConnections() int64 { return p.active.Load() }

// TotalConnections counts every Acquire, including selections made by
// LoadBalancer.NextPeerAddress that never connect.
func (p *Peer) TotalConnections() uint64 { return p.total.Load() }

// RecordDialFailure counts a failed outbound connect and returns the
// consecutive failure count.
func (p *Peer) RecordDialFailure() int64 { return p.failures.Add(1) }

// RecordDialSuccess clears the consecutive failure count.
func (p *Peer) RecordDialSuccess() { p.failures.Store(0) }

// ConsecutiveFailures returns dial failures since the last success.
func (p *Peer) ConsecutiveFailures() int64 { return p.failures.Load() }

// Available reports whether the peer may be selected: it must be healthy and,
// when threshold > 0, have fewer than threshold consecutive dial failures.
func (p *Peer) Available(threshold int) bool {
	if !p.Healthy() {
		return false
	}
	return threshold <= 0 || p.failures.Load() < int64(threshold)
}

func (p *Peer) String() string { return p.target.String() }
