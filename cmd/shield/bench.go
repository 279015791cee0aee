package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/goShield/stm"
	"github.com/MrEthical07/goShield/stm/stmgrpc"
	"github.com/MrEthical07/goShield/stm/stmredis"
)

type benchOptions struct {
	workers    int
	increments int
	backend    string
	redisAddr  string
}

func newBenchCommand(_ *rootOptions) *cobra.Command {
	o := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "stm-bench",
		Short: "Increment one shared counter from simulated workers and check convergence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.workers <= 0 || o.increments <= 0 {
				return fmt.Errorf("workers and increments must be > 0")
			}
			return runBench(cmd.Context(), o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&o.workers, "workers", 8, "simulated workers")
	cmd.Flags().IntVar(&o.increments, "increments", 1000, "increments per worker")
	cmd.Flags().StringVar(&o.backend, "backend", "pipe", "shared state: pipe, grpc or redis")
	cmd.Flags().StringVar(&o.redisAddr, "redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	return cmd
}

type workerStats struct {
	id        string
	writes    int
	retries   int
	latencies []time.Duration
}

func runBench(ctx context.Context, o *benchOptions, out io.Writer) error {
	backends, cleanup, err := benchBackends(ctx, o, out)
	if err != nil {
		return err
	}
	defer cleanup()

	stats := make([]workerStats, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i, b := range backends {
		stats[i] = workerStats{id: fmt.Sprintf("w%d", i), latencies: make([]time.Duration, 0, o.increments)}
		g.Go(func() error {
			region := b.Region("bench")
			s := &stats[i]
			for n := 0; n < o.increments; n++ {
				attempts := 0
				t0 := time.Now()
				_, err := stm.Update(gctx, region, "counter", 0, func(v *int) error {
					*v++
					return nil
				}, stm.WithAttemptCounter(&attempts))
				if err != nil {
					return fmt.Errorf("%s: %w", s.id, err)
				}
				s.latencies = append(s.latencies, time.Since(t0))
				s.writes++
				s.retries += attempts - 1
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	total := time.Since(start)

	final, _, err := stm.Load[int](ctx, backends[0].Region("bench"), "counter")
	if err != nil {
		return err
	}

	var all []time.Duration
	fmt.Fprintln(out, "---- results ----")
	for _, s := range stats {
		fmt.Fprintf(out, "%s: writes=%d retries=%d\n", s.id, s.writes, s.retries)
		all = append(all, s.latencies...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	fmt.Fprintf(out, "total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		total.Round(time.Millisecond),
		float64(len(all))/total.Seconds(),
		percentile(all, 50).Round(time.Microsecond),
		percentile(all, 95).Round(time.Microsecond),
		percentile(all, 99).Round(time.Microsecond),
	)

	want := o.workers * o.increments
	fmt.Fprintf(out, "counter=%d expected=%d\n", final, want)
	if final != want {
		return fmt.Errorf("counter diverged: got %d, want %d", final, want)
	}
	return nil
}

// benchBackends gives every simulated worker its own handle on one shared
// state, the way worker processes would see it.
func benchBackends(ctx context.Context, o *benchOptions, out io.Writer) ([]stm.Backend, func(), error) {
	backends := make([]stm.Backend, 0, o.workers)
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch o.backend {
	case "pipe":
		coord := stm.NewCoordinator(stm.NewStore())
		serveCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		closers = append(closers, func() {
			cancel()
			wg.Wait()
			_ = coord.Close()
		})
		for i := 0; i < o.workers; i++ {
			id := fmt.Sprintf("w%d", i)
			workerEnd, coordEnd := stm.NewPipe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = coord.Serve(serveCtx, id, coordEnd)
			}()
			client := stm.NewClient(id, workerEnd)
			closers = append(closers, func() { _ = client.Close() })
			backends = append(backends, client)
		}
		fmt.Fprintln(out, "using in-process coordinator")

	case "grpc":
		dir, err := os.MkdirTemp("", "shield-bench-")
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = os.RemoveAll(dir) })
		socket := filepath.Join(dir, "stm.sock")
		lis, err := net.Listen("unix", socket)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		coord := stm.NewCoordinator(stm.NewStore())
		srv := stmgrpc.NewServer(coord, zerolog.Nop())
		go func() { _ = srv.Serve(lis) }()
		closers = append(closers, func() {
			srv.Stop()
			_ = coord.Close()
		})
		for i := 0; i < o.workers; i++ {
			client, err := stmgrpc.Dial(ctx, "unix://"+socket, fmt.Sprintf("w%d", i))
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			closers = append(closers, func() { _ = client.Close() })
			backends = append(backends, client)
		}
		fmt.Fprintf(out, "using grpc coordinator at %s\n", socket)

	case "redis":
		addr := o.redisAddr
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}
		if addr == "" {
			mr, err := miniredis.Run()
			if err != nil {
				return nil, cleanup, fmt.Errorf("start miniredis: %w", err)
			}
			closers = append(closers, mr.Close)
			addr = mr.Addr()
			fmt.Fprintf(out, "using miniredis at %s\n", addr)
		} else {
			fmt.Fprintf(out, "using redis at %s\n", addr)
		}
		for i := 0; i < o.workers; i++ {
			rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
			backend := stmredis.New(rdb, fmt.Sprintf("w%d", i), stmredis.WithPrefix("shield-bench"))
			closers = append(closers, func() {
				_ = backend.Close()
				_ = rdb.Close()
			})
			backends = append(backends, backend)
		}

	default:
		return nil, cleanup, fmt.Errorf("unknown backend %q", o.backend)
	}
	return backends, cleanup, nil
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}
