package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLimiterAcquireRelease(t *testing.T) {
	tests := []struct {
		name     string
		maxSize  int
		acquires int
		wantOK   int
	}{
		{"bounded", 2, 5, 2},
		{"exact fit", 3, 3, 3},
		{"unbounded zero", 0, 50, 50},
		{"unbounded negative", -1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(tt.maxSize)
			ok := 0
			for i := 0; i < tt.acquires; i++ {
				err := l.Acquire()
				if err == nil {
					ok++
					continue
				}
				if !errors.Is(err, ErrPoolExhausted) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if ok != tt.wantOK {
				t.Errorf("expected %d successful acquires, got %d", tt.wantOK, ok)
			}
			if l.ActiveConnections() != tt.wantOK {
				t.Errorf("expected %d active, got %d", tt.wantOK, l.ActiveConnections())
			}
		})
	}
}

func TestLimiterReleaseFreesSlot(t *testing.T) {
	l := NewLimiter(1)
	if err := l.Acquire(); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := l.Acquire(); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	l.Release()
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}

	l.Release()
	l.Release()
	if l.ActiveConnections() != 0 {
		t.Errorf("active count went negative: %d", l.ActiveConnections())
	}
	if l.Capacity() != 1 {
		t.Errorf("expected capacity 1, got %d", l.Capacity())
	}
}

func TestLimiterConcurrency(t *testing.T) {
	const maxHolders = 10
	l := NewLimiter(maxHolders)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if l.Acquire() != nil {
					continue
				}
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				inFlight.Add(-1)
				l.Release()
			}
		}()
	}
	wg.Wait()

	if peak.Load() > maxHolders {
		t.Errorf("limiter admitted %d concurrent holders, max %d", peak.Load(), maxHolders)
	}
	if l.ActiveConnections() != 0 {
		t.Errorf("expected all slots released, %d still active", l.ActiveConnections())
	}
}
