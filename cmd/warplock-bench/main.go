package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 10000, "Total number of acquire attempts")
	keys        = flag.Int("k", 1, "Number of distinct keys the clients contend on")
	redisAddrs  = flag.String("redis", "", "Comma separated Redis addresses (empty for in-memory)")
	lease       = flag.Duration("lease", 5*time.Second, "Lease requested per acquisition")
)

func main() {
	flag.Parse()
	if *concurrency < 1 || *keys < 1 {
		log.Fatal("-c and -k must be at least 1")
	}

	var (
		setup *presets.Setup
		err   error
	)
	// Contention is measured by single attempts: a loser is counted, not retried.
	lockOpts := []lock.Option{lock.WithLease(*lease), lock.WithRetry(1, 0)}
	switch addrs := splitAddrs(*redisAddrs); len(addrs) {
	case 0:
		log.Println("Initializing warplock (InMemory Standalone)...")
		setup = presets.NewInMemoryStandalone(lockOpts...)
	case 1:
		log.Printf("Initializing warplock (Redis %s)...", addrs[0])
		setup, err = presets.NewRedis(presets.RedisOptions{Addr: addrs[0]}, lockOpts...)
	default:
		log.Printf("Initializing warplock (Redis quorum over %d servers)...", len(addrs))
		servers := make([]presets.RedisOptions, len(addrs))
		for i, a := range addrs {
			servers[i] = presets.RedisOptions{Addr: a}
		}
		setup, err = presets.NewRedisQuorum(servers, lockOpts...)
	}
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer setup.Close()

	log.Printf("Starting benchmark: %d attempts, %d concurrency, %d keys", *requests, *concurrency, *keys)

	var (
		wg          sync.WaitGroup
		acquired    int64
		contended   int64
		errorsCount int64
		mu          sync.Mutex
		latencies   = make([]time.Duration, 0, *requests)
	)

	ctx := context.Background()
	start := time.Now()
	reqsPerWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			local := make([]time.Duration, 0, reqsPerWorker)
			for j := 0; j < reqsPerWorker; j++ {
				key := fmt.Sprintf("bench:%d", (worker+j)%*keys)
				t0 := time.Now()
				l, err := setup.Manager.Acquire(ctx, key)
				local = append(local, time.Since(t0))
				switch {
				case err != nil:
					atomic.AddInt64(&errorsCount, 1)
					continue
				case l.State() != lock.StatusAcquired:
					if l.Err() != nil {
						atomic.AddInt64(&errorsCount, 1)
					} else {
						atomic.AddInt64(&contended, 1)
					}
					continue
				}
				atomic.AddInt64(&acquired, 1)
				if _, err := l.Release(ctx); err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	ops := acquired + contended + errorsCount

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f attempts/s", float64(ops)/elapsed.Seconds())
	log.Printf("Acquired: %d, contended: %d", acquired, contended)
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		log.Printf("Acquire latency p50: %v, p99: %v", percentile(latencies, 0.50), percentile(latencies, 0.99))
	}
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
