package balancer

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// MockBackend is a TCP server that greets every connection with its name on
// one line and then echoes whatever it receives until the client half-closes.
// Only connections that deliver at least one byte count as sessions, so
// connect-only health probes stay out of the distribution.
type MockBackend struct {
	Name string

	listener net.Listener
	conns    int64
	wg       sync.WaitGroup
}

// NewMockBackend starts a mock backend on an ephemeral loopback port.
func NewMockBackend(t *testing.T, name string) *MockBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mb := &MockBackend{Name: name, listener: ln}
	mb.wg.Add(1)
	go mb.serve()
	t.Cleanup(mb.Stop)
	return mb
}

func (mb *MockBackend) serve() {
	defer mb.wg.Done()
	for {
		conn, err := mb.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt64(&mb.conns, 1)
		mb.wg.Add(1)
		go func(c net.Conn) {
			defer mb.wg.Done()
			defer c.Close()
			fmt.Fprintf(c, "%s\n", mb.Name)
			// hide ReadFrom/WriteTo so the copy never splices a socket onto itself
			io.Copy(struct{ io.Writer }{c}, struct{ io.Reader }{c})
		}(conn)
	}
}

// Address returns the backend's ip:port.
func (mb *MockBackend) Address() string { return mb.listener.Addr().String() }

// Stop closes the listener and waits for open connections to finish.
func (mb *MockBackend) Stop() {
	mb.listener.Close()
	mb.wg.Wait()
}

// GetConnectionCount returns how many sessions have sent the backend data.
func (mb *MockBackend) GetConnectionCount() int64 {
	return atomic.LoadInt64(&mb.conns)
}

// MockBackendPool manages several mock backends named server-1, server-2, ...
type MockBackendPool struct {
	backends []*MockBackend
}

func NewMockBackendPool(t *testing.T, n int) *MockBackendPool {
	t.Helper()
	pool := &MockBackendPool{backends: make([]*MockBackend, n)}
	for i := range pool.backends {
		pool.backends[i] = NewMockBackend(t, fmt.Sprintf("server-%d", i+1))
	}
	return pool
}

func (pool *MockBackendPool) Addresses() []string {
	addrs := make([]string, len(pool.backends))
	for i, b := range pool.backends {
		addrs[i] = b.Address()
	}
	return addrs
}

// GetConnectionDistribution maps backend names to session counts.
func (pool *MockBackendPool) GetConnectionDistribution() map[string]int64 {
	distribution := make(map[string]int64)
	for _, b := range pool.backends {
		distribution[b.Name] = b.GetConnectionCount()
	}
	return distribution
}

// GetTotalConnections returns the number of sessions across all backends.
func (pool *MockBackendPool) GetTotalConnections() int64 {
	var total int64
	for _, b := range pool.backends {
		total += b.GetConnectionCount()
	}
	return total
}

// deadAddress returns a loopback address nothing listens on.
func deadAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
