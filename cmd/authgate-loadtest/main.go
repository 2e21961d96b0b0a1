// Command authgate-loadtest exercises the refresh-token ledger under
// concurrency and reports latency percentiles per phase.
//
// By default it runs against an embedded miniredis. Set REDIS_ADDR (or the
// -redis-addr flag) to target a real server instead.
//
//	go run ./cmd/authgate-loadtest -families 500 -concurrency 16 -ops 10000
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mpetrenko/authgate/internal"
	"github.com/mpetrenko/authgate/internal/ledger"
)

type options struct {
	redisAddr   string
	prefix      string
	families    int
	concurrency int
	ops         int
	ttl         time.Duration
}

type session struct {
	mu    sync.Mutex
	token string
}

type phaseStats struct {
	name      string
	durations []time.Duration
	errs      int
	elapsed   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address; empty starts embedded miniredis")
	flag.StringVar(&opts.prefix, "prefix", "lt", "redis key prefix")
	flag.IntVar(&opts.families, "families", 200, "refresh families to seed")
	flag.IntVar(&opts.concurrency, "concurrency", 8, "concurrent workers per phase")
	flag.IntVar(&opts.ops, "ops", 5000, "operations per phase")
	flag.DurationVar(&opts.ttl, "ttl", time.Hour, "refresh token TTL")
	flag.Parse()

	addr := opts.redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatal("miniredis: ", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Println("target: embedded miniredis")
	} else {
		fmt.Println("target:", addr)
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: opts.concurrency * 2})
	defer rdb.Close()

	lg := ledger.NewRefreshLedger(rdb, ledger.RefreshConfig{
		Prefix:    opts.prefix,
		TTL:       opts.ttl,
		Retention: time.Hour,
	})

	ctx := context.Background()

	fmt.Printf("seeding %d refresh families...\n", opts.families)
	sessions, err := seed(ctx, lg, opts.families)
	if err != nil {
		log.Fatal("seed: ", err)
	}

	validate := runPhase("validate", opts, func(r *rand.Rand) error {
		s := sessions[r.Intn(len(sessions))]
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		id, _, err := internal.DecodeOpaqueToken(token)
		if err != nil {
			return err
		}
		_, err = lg.Validate(ctx, id.String())
		return err
	})
	printStats(validate)

	rotate := runPhase("rotate", opts, func(r *rand.Rand) error {
		s := sessions[r.Intn(len(sessions))]
		s.mu.Lock()
		defer s.mu.Unlock()

		next, _, err := lg.Rotate(ctx, s.token)
		if err != nil {
			return err
		}
		s.token = next
		return nil
	})
	printStats(rotate)
}

func seed(ctx context.Context, lg *ledger.RefreshLedger, n int) ([]*session, error) {
	sessions := make([]*session, 0, n)
	for i := 0; i < n; i++ {
		token, _, err := lg.Issue(ctx, fmt.Sprintf("user-%04d", i), "")
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, &session{token: token})
	}
	return sessions, nil
}

func runPhase(name string, opts options, op func(*rand.Rand) error) phaseStats {
	stats := phaseStats{name: name, durations: make([]time.Duration, 0, opts.ops)}

	var mu sync.Mutex
	var wg sync.WaitGroup

	perWorker := opts.ops / opts.concurrency
	start := time.Now()

	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))

			local := make([]time.Duration, 0, perWorker)
			errs := 0
			for i := 0; i < perWorker; i++ {
				t0 := time.Now()
				if err := op(r); err != nil {
					errs++
				}
				local = append(local, time.Since(t0))
			}

			mu.Lock()
			stats.durations = append(stats.durations, local...)
			stats.errs += errs
			mu.Unlock()
		}(int64(w) + time.Now().UnixNano())
	}

	wg.Wait()
	stats.elapsed = time.Since(start)
	return stats
}

func printStats(s phaseStats) {
	if len(s.durations) == 0 {
		fmt.Printf("%-10s no samples\n", s.name)
		return
	}

	sort.Slice(s.durations, func(i, j int) bool { return s.durations[i] < s.durations[j] })

	total := len(s.durations)
	throughput := float64(total) / s.elapsed.Seconds()

	fmt.Printf("%-10s ops=%d errs=%d elapsed=%s throughput=%.0f/s p50=%s p95=%s p99=%s max=%s\n",
		s.name, total, s.errs, s.elapsed.Round(time.Millisecond), throughput,
		percentile(s.durations, 50), percentile(s.durations, 95),
		percentile(s.durations, 99), s.durations[total-1])
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
