// Package target parses backend addresses. A Target is either a URL
// ("http://api.internal:8080/v1") or a bare socket address ("10.0.0.5:9000").
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
)

// Kind identifies which form a Target was parsed from.
type Kind uint8

const (
	// KindURL is a target given as scheme://host[:port][/path].
	KindURL Kind = iota + 1
	// KindSocketAddr is a target given as ip:port.
	KindSocketAddr
)

// String returns the kind's config spelling.
func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindSocketAddr:
		return "socket_addr"
	default:
		return "invalid"
	}
}

var (
	// ErrInvalidTarget matches every error returned by Parse.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrPushToNonURL is returned by PushPath on a socket address target.
	ErrPushToNonURL = errors.New("cannot push a path segment onto a socket address target")
)

// InvalidTargetError reports an address that is neither a URL nor a socket address.
type InvalidTargetError struct {
	Input string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("the provided address was neither a valid url nor a socket address: %q", e.Input)
}

// Is matches ErrInvalidTarget.
func (e *InvalidTargetError) Is(target error) bool {
	return target == ErrInvalidTarget
}

// defaultPorts maps URL schemes to their well-known port.
var defaultPorts = map[string]uint16{
	"http":     80,
	"https":    443,
	"ws":       80,
	"wss":      443,
	"ftp":      21,
	"ssh":      22,
	"redis":    6379,
	"postgres": 5432,
	"mysql":    3306,
	"amqp":     5672,
	"mongodb":  27017,
}

// Target is an immutable network destination. The zero value is not a valid
// target; use Parse.
type Target struct {
	kind      Kind
	url       *url.URL
	addr      netip.AddrPort
	canonical string
}

// Parse tries URL syntax first and falls back to ip:port.
func Parse(s string) (Target, error) {
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		return Target{kind: KindURL, url: u, canonical: u.String()}, nil
	}

	if ap, err := netip.ParseAddrPort(s); err == nil {
		return Target{kind: KindSocketAddr, addr: ap, canonical: ap.String()}, nil
	}

	return Target{}, &InvalidTargetError{Input: s}
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Target {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FromAddrPort wraps an already resolved socket address.
func FromAddrPort(ap netip.AddrPort) Target {
	return Target{kind: KindSocketAddr, addr: ap, canonical: ap.String()}
}

// Kind returns the form t was parsed from.
func (t Target) Kind() Kind { return t.kind }

// IsZero reports whether t is the zero Target.
func (t Target) IsZero() bool { return t.kind == 0 }

// String returns the canonical form, used for equality, map keys and logging.
func (t Target) String() string { return t.canonical }

// Equal compares canonical forms.
func (t Target) Equal(other Target) bool { return t.canonical == other.canonical }

// URL returns a copy of the parsed URL, or nil for socket address targets.
func (t Target) URL() *url.URL {
	if t.kind != KindURL {
		return nil
	}
	u := *t.url
	return &u
}

// Port returns the explicit port, or the scheme's well-known port for URLs
// that omit one.
func (t Target) Port() (uint16, bool) {
	switch t.kind {
	case KindSocketAddr:
		return t.addr.Port(), true
	case KindURL:
		if p := t.url.Port(); p != "" {
			n, err := strconv.ParseUint(p, 10, 16)
			if err != nil {
				return 0, false
			}
			return uint16(n), true
		}
		port, ok := defaultPorts[t.url.Scheme]
		return port, ok
	default:
		return 0, false
	}
}

// HostPort returns a dialable host:port string without resolving the host.
func (t Target) HostPort() (string, bool) {
	switch t.kind {
	case KindSocketAddr:
		return t.addr.String(), true
	case KindURL:
		port, ok := t.Port()
		if !ok {
			return "", false
		}
		return net.JoinHostPort(t.url.Hostname(), strconv.Itoa(int(port))), true
	default:
		return "", false
	}
}

// Resolve returns a concrete socket address. See ResolveContext.
func (t Target) Resolve() (netip.AddrPort, bool) {
	return t.ResolveContext(context.Background())
}

// ResolveContext returns the socket address itself for socket targets. For
// URLs it returns the first address the host resolves to, combined with the
// URL's port or its scheme's default. ok is false when no port can be derived
// or the host does not resolve.
func (t Target) ResolveContext(ctx context.Context) (netip.AddrPort, bool) {
	switch t.kind {
	case KindSocketAddr:
		return t.addr, true
	case KindURL:
		port, ok := t.Port()
		if !ok {
			return netip.AddrPort{}, false
		}
		host := t.url.Hostname()
		if ip, err := netip.ParseAddr(host); err == nil {
			return netip.AddrPortFrom(ip.Unmap(), port), true
		}
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(ips[0].Unmap(), port), true
	default:
		return netip.AddrPort{}, false
	}
}

// PushPath returns a copy of a URL target with segment appended to its path.
func (t Target) PushPath(segment string) (Target, error) {
	if t.kind != KindURL {
		return Target{}, ErrPushToNonURL
	}
	u := t.url.JoinPath(segment)
	return Target{kind: KindURL, url: u, canonical: u.String()}, nil
}
