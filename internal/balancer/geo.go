package balancer

import (
	"fmt"
	"math"
	"net/netip"
	"sort"

	"tcplb/internal/backend"
	"tcplb/internal/config"
	"tcplb/internal/target"
)

// Mean earth radius in kilometres (IUGG).
const earthRadiusKm = 6371.0088

// Locator places a client on the globe.
type Locator interface {
	Locate(client netip.Addr) (backend.Coordinate, bool)
}

// Region assigns one coordinate to every address in Prefix.
type Region struct {
	Prefix     netip.Prefix
	Coordinate backend.Coordinate
}

// StaticLocator answers from a fixed table of regions. When regions overlap
// the most specific prefix wins.
type StaticLocator struct {
	regions []Region
}

// NewStaticLocator builds a locator from regions in any order.
func NewStaticLocator(regions ...Region) *StaticLocator {
	sorted := make([]Region, len(regions))
	for i, r := range regions {
		r.Prefix = r.Prefix.Masked()
		sorted[i] = r
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Prefix.Bits() > sorted[j].Prefix.Bits()
	})
	return &StaticLocator{regions: sorted}
}

// LocatorFromConfig builds a StaticLocator from the geo section of the
// configuration.
func LocatorFromConfig(cfg config.GeoConfig) (*StaticLocator, error) {
	regions := make([]Region, 0, len(cfg.Regions))
	for i, rc := range cfg.Regions {
		prefix, err := netip.ParsePrefix(rc.CIDR)
		if err != nil {
			return nil, fmt.Errorf("geo region %d: %w", i, err)
		}
		if len(rc.Coordinates) != 2 {
			return nil, fmt.Errorf("geo region %s: expected [latitude, longitude]", rc.CIDR)
		}
		coord, err := backend.NewCoordinate(rc.Coordinates[0], rc.Coordinates[1])
		if err != nil {
			return nil, fmt.Errorf("geo region %s: %w", rc.CIDR, err)
		}
		regions = append(regions, Region{Prefix: prefix, Coordinate: coord})
	}
	return NewStaticLocator(regions...), nil
}

// Locate returns the coordinate of the most specific region holding client.
func (l *StaticLocator) Locate(client netip.Addr) (backend.Coordinate, bool) {
	client = client.Unmap()
	for _, r := range l.regions {
		if r.Prefix.Contains(client) {
			return r.Coordinate, true
		}
	}
	return backend.Coordinate{}, false
}

// Distance returns the great-circle distance between a and b in kilometres.
func Distance(a, b backend.Coordinate) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Pow(math.Sin(dLat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLon/2), 2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Geolocation sends each client to the nearest available peer. Clients the
// locator cannot place, and pools with no located peer available, fall back
// to round robin.
type Geolocation struct {
	peerSet
	locator Locator
	cur     cursor
}

func (g *Geolocation) Name() string { return string(config.StrategyGeolocation) }

// AddPeer appends peer to the pool.
func (g *Geolocation) AddPeer(peer *backend.Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers.Add(peer)
}

// RemovePeer drops the peer with target t.
func (g *Geolocation) RemovePeer(t target.Target) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.peers.Remove(t)
	if ok {
		g.cur.removed(idx, g.peers.Len())
	}
	return ok
}

// Next has no client to locate and behaves like round robin.
func (g *Geolocation) Next() *backend.Peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return nextRoundRobin(&g.peerSet, &g.cur)
}

func (g *Geolocation) NextFor(client netip.Addr) *backend.Peer {
	var (
		origin  backend.Coordinate
		located bool
	)
	if g.locator != nil && client.IsValid() {
		origin, located = g.locator.Locate(client)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if located {
		var (
			best     *backend.Peer
			bestDist float64
		)
		for i := 0; i < g.peers.Len(); i++ {
			peer := g.peers.At(i)
			coord, ok := peer.Coordinates()
			if !ok || !peer.Available(g.threshold) {
				continue
			}
			if d := Distance(origin, coord); best == nil || d < bestDist {
				best, bestDist = peer, d
			}
		}
		if best != nil {
			best.Acquire()
			return best
		}
	}
	return nextRoundRobin(&g.peerSet, &g.cur)
}
