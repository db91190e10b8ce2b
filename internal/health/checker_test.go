package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcplb/internal/backend"
	"tcplb/internal/target"
)

type staticPeers []*backend.Peer

func (s staticPeers) Peers() []*backend.Peer { return s }

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln
}

// closedAddr returns a loopback address nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestProbeReachablePeer(t *testing.T) {
	ln := listen(t)
	peer, err := backend.ParsePeer(ln.Addr().String())
	require.NoError(t, err)

	result := Probe(context.Background(), peer, time.Second)
	assert.Equal(t, Healthy, result)
	assert.True(t, peer.Healthy())
	assert.False(t, peer.LastChecked().IsZero())
}

func TestProbeRefusedPeer(t *testing.T) {
	peer, err := backend.ParsePeer(closedAddr(t))
	require.NoError(t, err)
	peer.SetHealthy(true)

	result := Probe(context.Background(), peer, time.Second)
	assert.Equal(t, Unreachable, result)
	assert.False(t, peer.Healthy())
}

func TestProbeTimeoutIsBounded(t *testing.T) {
	// a peer whose connect never completes
	peer, err := backend.ParsePeer("127.0.0.1:81")
	require.NoError(t, err)
	peer.SetHealthy(true)

	timeout := 100 * time.Millisecond
	checker := NewChecker(staticPeers{peer}, time.Hour, timeout)
	checker.SetDialFunction(func(ctx context.Context, t target.Target, timeout time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	checker.CheckAll(context.Background())
	elapsed := time.Since(start)

	assert.False(t, peer.Healthy())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestDialStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Dial(ctx, target.MustParse(closedAddr(t)), time.Second)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbeUsesHealthTarget(t *testing.T) {
	ln := listen(t)
	peer, err := backend.ParsePeer(closedAddr(t), backend.WithHealthTarget(target.MustParse(ln.Addr().String())))
	require.NoError(t, err)

	assert.Equal(t, Healthy, Probe(context.Background(), peer, time.Second))
}

func TestProbeTargetWithoutPort(t *testing.T) {
	peer, err := backend.ParsePeer("gopher2://127.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, Unreachable, Probe(context.Background(), peer, time.Second))
	assert.ErrorIs(t, Dial(context.Background(), peer.Target(), time.Second), ErrNoPort)
}

func TestProbeResetsPassiveFailures(t *testing.T) {
	ln := listen(t)
	peer, err := backend.ParsePeer(ln.Addr().String())
	require.NoError(t, err)
	peer.RecordDialFailure()
	peer.RecordDialFailure()

	Probe(context.Background(), peer, time.Second)
	assert.Zero(t, peer.ConsecutiveFailures())
}

func TestCheckerStartAndStop(t *testing.T) {
	a, _ := backend.ParsePeer("127.0.0.1:1001")
	b, _ := backend.ParsePeer("127.0.0.1:1002")

	checker := NewChecker(staticPeers{a, b}, 50*time.Millisecond, time.Second)

	var calls atomic.Int32
	var mu sync.Mutex
	down := map[string]bool{}
	checker.SetDialFunction(func(ctx context.Context, t target.Target, timeout time.Duration) error {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if down[t.String()] {
			return errors.New("connection refused")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Start(ctx)

	require.Eventually(t, func() bool { return a.Healthy() && b.Healthy() }, time.Second, 10*time.Millisecond)

	mu.Lock()
	down["127.0.0.1:1002"] = true
	mu.Unlock()

	require.Eventually(t, func() bool { return !b.Healthy() }, time.Second, 10*time.Millisecond)
	assert.True(t, a.Healthy())

	checker.Stop()
	after := calls.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no probes after Stop")
}

func TestCheckerStopsOnContextCancel(t *testing.T) {
	checker := NewChecker(staticPeers{}, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop after context cancellation")
	}
	checker.Stop()
}

func TestCheckAllRunsProbesConcurrently(t *testing.T) {
	peers := make(staticPeers, 5)
	for i := range peers {
		peers[i], _ = backend.ParsePeer(fmt.Sprintf("127.0.0.1:%d", 1000+i))
	}

	checker := NewChecker(peers, time.Hour, time.Second)
	checker.SetDialFunction(func(ctx context.Context, t target.Target, timeout time.Duration) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	start := time.Now()
	checker.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	for _, p := range peers {
		assert.True(t, p.Healthy())
	}
}
