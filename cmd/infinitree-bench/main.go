// Command infinitree-bench is a load generator for a Tree, adapted from
// the teacher's cmd/loadtest: instead of HTTP PUT/GET against a gateway,
// each worker opens (or shares) a Tree and drives write/commit/read
// cycles against a configurable backend at a target QPS, reporting
// latency percentiles and throughput at the end of the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/infinitree/infinitree"
	"github.com/infinitree/infinitree/internal/log"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file (defaults built in if empty)")
		username    = flag.String("username", "bench", "Username used to derive the tree's MasterKey")
		passphrase  = flag.String("passphrase", "bench", "Passphrase used to derive the tree's MasterKey")
		duration    = flag.Duration("duration", 30*time.Second, "Benchmark duration")
		workers     = flag.Int("workers", 5, "Number of worker goroutines")
		qps         = flag.Int("qps", 10, "Target writes-then-commit cycles per second per worker")
		valueSize   = flag.Int("value-size", 4096, "Size in bytes of each written value")
		readEvery   = flag.Int("read-every", 4, "Perform one read for every N writes, per worker")
		verbose     = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger := log.New(level, false)

	cfg := infinitree.DefaultConfig()
	if *configPath != "" {
		loaded, err := infinitree.LoadConfig(*configPath)
		if err != nil {
			logger.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received interrupt, winding down")
		cancel()
	}()

	fmt.Println("=== infinitree bench ===")
	fmt.Printf("duration=%v workers=%d qps=%d value_size=%d\n", *duration, *workers, *qps, *valueSize)

	result, err := runBench(ctx, cfg, *username, *passphrase, *workers, *qps, *duration, *valueSize, *readEvery, logger)
	if err != nil {
		logger.WithError(err).Fatal("bench failed")
	}
	result.Print()
}

type sample struct {
	writeLatencies []time.Duration
	commitLatencies []time.Duration
	readLatencies  []time.Duration
	writeErrors    int64
	commitErrors   int64
	readErrors     int64
}

type result struct {
	mu      sync.Mutex
	samples sample
	elapsed time.Duration
}

func (r *result) record(writeLat, commitLat, readLat time.Duration, hasRead bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples.writeLatencies = append(r.samples.writeLatencies, writeLat)
	r.samples.commitLatencies = append(r.samples.commitLatencies, commitLat)
	if hasRead {
		r.samples.readLatencies = append(r.samples.readLatencies, readLat)
	}
}

func (r *result) Print() {
	fmt.Printf("\n=== Results (elapsed %v) ===\n", r.elapsed)
	printLatencies("write", r.samples.writeLatencies, atomic.LoadInt64(&r.samples.writeErrors))
	printLatencies("commit", r.samples.commitLatencies, atomic.LoadInt64(&r.samples.commitErrors))
	printLatencies("read", r.samples.readLatencies, atomic.LoadInt64(&r.samples.readErrors))

	total := len(r.samples.writeLatencies)
	if r.elapsed > 0 {
		fmt.Printf("throughput: %.1f commits/sec\n", float64(total)/r.elapsed.Seconds())
	}
}

func printLatencies(label string, durs []time.Duration, errs int64) {
	if len(durs) == 0 {
		fmt.Printf("%s: no samples (errors=%d)\n", label, errs)
		return
	}
	sorted := append([]time.Duration(nil), durs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 := sorted[len(sorted)*50/100]
	p99 := sorted[min(len(sorted)*99/100, len(sorted)-1)]
	fmt.Printf("%s: n=%d p50=%v p99=%v max=%v errors=%d\n", label, len(sorted), p50, p99, sorted[len(sorted)-1], errs)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func runBench(ctx context.Context, cfg *infinitree.Config, username, passphrase string, workers, qps int, duration time.Duration, valueSize, readEvery int, logger *log.Logger) (*result, error) {
	r := &result{}
	start := time.Now()
	deadline := start.Add(duration)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		workerID := w
		go func() {
			defer wg.Done()
			runWorker(ctx, cfg, username, passphrase, workerID, qps, deadline, valueSize, readEvery, r, logger)
		}()
	}
	wg.Wait()

	r.elapsed = time.Since(start)
	return r, nil
}

func runWorker(ctx context.Context, cfg *infinitree.Config, username, passphrase string, workerID, qps int, deadline time.Time, valueSize, readEvery int, r *result, logger *log.Logger) {
	field := infinitree.NewSparse[uint64, []byte](fmt.Sprintf("bench-%d", workerID), infinitree.Uint64Codec(), infinitree.BytesCodec())
	tr, err := infinitree.Open(ctx, cfg, username, passphrase, field)
	if err != nil {
		logger.WithError(err).Errorf("worker %d: open failed", workerID)
		atomic.AddInt64(&r.samples.writeErrors, 1)
		return
	}
	defer tr.Close()

	interval := time.Second / time.Duration(max(qps, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	value := make([]byte, valueSize)
	var i uint64
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		writeStart := time.Now()
		field.Set(i, value)
		writeLat := time.Since(writeStart)

		commitStart := time.Now()
		if _, err := tr.Commit(ctx, fmt.Sprintf("bench write %d", i)); err != nil {
			atomic.AddInt64(&r.samples.commitErrors, 1)
			logger.WithError(err).Debugf("worker %d: commit failed", workerID)
			i++
			continue
		}
		commitLat := time.Since(commitStart)

		var readLat time.Duration
		hasRead := readEvery > 0 && i%uint64(readEvery) == 0
		if hasRead {
			readStart := time.Now()
			if _, ok, err := field.Value(i); err != nil || !ok {
				atomic.AddInt64(&r.samples.readErrors, 1)
			}
			readLat = time.Since(readStart)
		}

		r.record(writeLat, commitLat, readLat, hasRead)
		i++
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
