// Package security decides which client addresses may open connections.
package security

import (
	"fmt"
	"net/netip"
	"sync"
)

// Policy is an IP allow/deny list. Deny always wins; an empty allow list
// admits every address that is not denied.
//
// All methods are safe for concurrent use. Both sets are guarded by one lock,
// so IsAllowed never observes a half-applied Replace.
type Policy struct {
	mu    sync.RWMutex
	allow map[netip.Addr]struct{}
	deny  map[netip.Addr]struct{}
}

// NewPolicy parses the whitelist and blacklist entries.
func NewPolicy(whitelist, blacklist []string) (*Policy, error) {
	allow, err := parseSet(whitelist)
	if err != nil {
		return nil, fmt.Errorf("ip_whitelist: %w", err)
	}
	deny, err := parseSet(blacklist)
	if err != nil {
		return nil, fmt.Errorf("ip_blacklist: %w", err)
	}
	return &Policy{allow: allow, deny: deny}, nil
}

func parseSet(entries []string) (map[netip.Addr]struct{}, error) {
	set := make(map[netip.Addr]struct{}, len(entries))
	for _, s := range entries {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid ip %q: %w", s, err)
		}
		set[ip.Unmap()] = struct{}{}
	}
	return set, nil
}

// IsAllowed reports whether ip may connect.
func (p *Policy) IsAllowed(ip netip.Addr) bool {
	ip = ip.Unmap()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, denied := p.deny[ip]; denied {
		return false
	}
	if len(p.allow) == 0 {
		return true
	}
	_, allowed := p.allow[ip]
	return allowed
}

// Allow adds ip to the whitelist.
func (p *Policy) Allow(ip netip.Addr) {
	p.mu.Lock()
	p.allow[ip.Unmap()] = struct{}{}
	p.mu.Unlock()
}

// Deny adds ip to the blacklist.
func (p *Policy) Deny(ip netip.Addr) {
	p.mu.Lock()
	p.deny[ip.Unmap()] = struct{}{}
	p.mu.Unlock()
}

// RemoveAllow removes ip from the whitelist.
func (p *Policy) RemoveAllow(ip netip.Addr) {
	p.mu.Lock()
	delete(p.allow, ip.Unmap())
	p.mu.Unlock()
}

// RemoveDeny removes ip from the blacklist.
func (p *Policy) RemoveDeny(ip netip.Addr) {
	p.mu.Lock()
	delete(p.deny, ip.Unmap())
	p.mu.Unlock()
}

// Replace swaps both lists at once. On a parse error the policy is left
// unchanged.
func (p *Policy) Replace(whitelist, blacklist []string) error {
	next, err := NewPolicy(whitelist, blacklist)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.allow, p.deny = next.allow, next.deny
	p.mu.Unlock()
	return nil
}

// Size returns the number of allow and deny entries.
func (p *Policy) Size() (allow, deny int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.allow), len(p.deny)
}
