// Command loadtest opens TCP connections through a load balancer and reports
// throughput, latency and how connections were spread over backends.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"tcplb/internal/logging"
)

// Options describes one load test run.
type Options struct {
	Target      string
	Workers     int
	Connections int           // per worker, ignored when Duration > 0
	Duration    time.Duration // 0 means use Connections
	Payload     []byte
	Greeting    bool // backends announce themselves with one line first
	Timeout     time.Duration
}

// LoadTestResults aggregates one run.
type LoadTestResults struct {
	TotalConnections   int64
	SuccessConnections int64
	FailedConnections  int64
	BytesSent          int64
	BytesReceived      int64
	TotalDuration      time.Duration
	ConnectionsPerSec  float64
	MinLatency         time.Duration
	MaxLatency         time.Duration
	AvgLatency         time.Duration
	P99Latency         time.Duration
	Distribution       map[string]int64
}

// LatencyTracker collects connection latencies from all workers.
type LatencyTracker struct {
	mu        sync.Mutex
	latencies []time.Duration
}

// AddLatency records one sample.
func (lt *LatencyTracker) AddLatency(latency time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.latencies = append(lt.latencies, latency)
}

// GetStats returns min, max, mean and 99th percentile.
func (lt *LatencyTracker) GetStats() (lo, hi, avg, p99 time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := slices.Clone(lt.latencies)
	slices.Sort(sorted)

	var total time.Duration
	for _, latency := range sorted {
		total += latency
	}
	avg = total / time.Duration(len(sorted))
	// nearest rank
	p99 = sorted[(len(sorted)*99+99)/100-1]
	return sorted[0], sorted[len(sorted)-1], avg, p99
}

type distribution struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (d *distribution) add(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[name]++
}

// Run executes the load test and blocks until every worker is done or ctx
// is cancelled.
func Run(ctx context.Context, opts Options) *LoadTestResults {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	results := &LoadTestResults{}
	tracker := &LatencyTracker{}
	dist := &distribution{counts: make(map[string]int64)}

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go worker(ctx, i, opts, results, tracker, dist, &wg)
	}
	wg.Wait()

	results.TotalDuration = time.Since(start)
	results.ConnectionsPerSec = float64(results.TotalConnections) / results.TotalDuration.Seconds()
	results.MinLatency, results.MaxLatency, results.AvgLatency, results.P99Latency = tracker.GetStats()
	results.Distribution = dist.counts
	return results
}

func worker(ctx context.Context, id int, opts Options, results *LoadTestResults, tracker *LatencyTracker, dist *distribution, wg *sync.WaitGroup) {
	defer wg.Done()

	var conns int
	if opts.Duration > 0 {
		deadline := time.Now().Add(opts.Duration)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			performConnection(ctx, opts, results, tracker, dist)
			conns++
		}
	} else {
		for i := 0; i < opts.Connections && ctx.Err() == nil; i++ {
			performConnection(ctx, opts, results, tracker, dist)
			conns++
		}
	}

	log.Debug().Int("worker", id).Int("connections", conns).Msg("worker completed")
}

func performConnection(ctx context.Context, opts Options, results *LoadTestResults, tracker *LatencyTracker, dist *distribution) {
	start := time.Now()
	name, sent, received, err := exchange(ctx, opts)
	tracker.AddLatency(time.Since(start))

	atomic.AddInt64(&results.TotalConnections, 1)
	atomic.AddInt64(&results.BytesSent, sent)
	atomic.AddInt64(&results.BytesReceived, received)
	if err != nil {
		atomic.AddInt64(&results.FailedConnections, 1)
		log.Debug().Err(err).Msg("connection failed")
		return
	}
	atomic.AddInt64(&results.SuccessConnections, 1)
	if name != "" {
		dist.add(name)
	}
}

// exchange sends the payload, half-closes and reads until the far end closes.
// A connection that yields no bytes at all counts as refused.
func exchange(ctx context.Context, opts Options) (name string, sent, received int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.Target)
	if err != nil {
		return "", 0, 0, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	r := bufio.NewReader(conn)
	if opts.Greeting {
		line, err := r.ReadString('\n')
		received += int64(len(line))
		if err != nil {
			return "", 0, received, fmt.Errorf("read greeting: %w", err)
		}
		name = strings.TrimSpace(line)
	}

	n, err := conn.Write(opts.Payload)
	sent = int64(n)
	if err != nil {
		return name, sent, received, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return name, sent, received, err
		}
	}

	rest, err := io.Copy(io.Discard, r)
	received += rest
	if err != nil {
		return name, sent, received, err
	}
	if received == 0 {
		return name, sent, received, fmt.Errorf("connection closed without data")
	}
	return name, sent, received, nil
}

func printResults(w io.Writer, results *LoadTestResults) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(w, "LOAD TEST RESULTS")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Total Connections: %d\n", results.TotalConnections)
	fmt.Fprintf(w, "Successful:        %d\n", results.SuccessConnections)
	fmt.Fprintf(w, "Failed:            %d\n", results.FailedConnections)
	if results.TotalConnections > 0 {
		fmt.Fprintf(w, "Success Rate:      %.2f%%\n", float64(results.SuccessConnections)/float64(results.TotalConnections)*100)
	}
	fmt.Fprintf(w, "Bytes Sent:        %d\n", results.BytesSent)
	fmt.Fprintf(w, "Bytes Received:    %d\n", results.BytesReceived)
	fmt.Fprintf(w, "Total Duration:    %v\n", results.TotalDuration)
	fmt.Fprintf(w, "Connections/sec:   %.2f\n", results.ConnectionsPerSec)
	fmt.Fprintln(w, "\nLatency Statistics:")
	fmt.Fprintf(w, "  Min:             %v\n", results.MinLatency)
	fmt.Fprintf(w, "  Max:             %v\n", results.MaxLatency)
	fmt.Fprintf(w, "  Average:         %v\n", results.AvgLatency)
	fmt.Fprintf(w, "  P99:             %v\n", results.P99Latency)

	if len(results.Distribution) > 0 {
		fmt.Fprintln(w, "\nBackend Distribution:")
		names := make([]string, 0, len(results.Distribution))
		for name := range results.Distribution {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-16s %d\n", name+":", results.Distribution[name])
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))

	if results.FailedConnections > 0 {
		fmt.Fprintf(w, "\nWARNING: %d connections failed\n", results.FailedConnections)
	}
}

func main() {
	target := flag.String("target", "127.0.0.1:8080", "load balancer address")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	connections := flag.Int("connections", 100, "Connections per worker")
	duration := flag.Duration("duration", 0, "Test duration (0 means use connection count)")
	payload := flag.String("payload", "ping\n", "bytes sent on every connection")
	greeting := flag.Bool("greeting", false, "backends send their name as the first line")
	timeout := flag.Duration("timeout", 10*time.Second, "per-connection timeout")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := logging.Setup(*level, "console"); err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}

	opts := Options{
		Target:      *target,
		Workers:     *workers,
		Connections: *connections,
		Duration:    *duration,
		Payload:     []byte(*payload),
		Greeting:    *greeting,
		Timeout:     *timeout,
	}

	ev := log.Info().Str("target", opts.Target).Int("workers", opts.Workers)
	if opts.Duration > 0 {
		ev = ev.Dur("duration", opts.Duration)
	} else {
		ev = ev.Int("total_connections", opts.Workers*opts.Connections)
	}
	ev.Msg("starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	printResults(os.Stdout, Run(ctx, opts))
}
