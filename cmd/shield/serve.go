package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/goShield/internal/fleet"
	"github.com/MrEthical07/goShield/queue"
	"github.com/MrEthical07/goShield/stm"
	"github.com/MrEthical07/goShield/stm/stmgrpc"
	"github.com/MrEthical07/goShield/stm/stmredis"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and supervise the worker processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			configPath, err := filepath.Abs(opts.configPath)
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, exe, configPath, opts, logger)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker processes (default from config, else one per CPU)")
	return cmd
}

func serve(ctx context.Context, cfg *fileConfig, exe, configPath string, opts *rootOptions, logger zerolog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var (
		target  string
		onExit  func(context.Context, string)
		cleanup func()
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.Redis.Addr}})
		backend := stmredis.New(rdb, "supervisor", stmredis.WithPrefix(cfg.Redis.Prefix), stmredis.WithLogger(logger))
		onExit = func(ctx context.Context, id string) {
			if _, err := queue.PurgeWorker(ctx, backend, []string{queue.DefaultRegion}, id); err != nil {
				logger.Error().Err(err).Str("worker", id).Msg("queue purge failed")
			}
		}
		cleanup = func() {
			_ = backend.Close()
			_ = rdb.Close()
		}
		logger.Info().Str("redis", cfg.Redis.Addr).Msg("workers share state through redis")
	} else {
		socket := cfg.Coordinator.Socket
		if socket == "" {
			dir, err := os.MkdirTemp("", "shield-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			socket = filepath.Join(dir, "stm.sock")
		}
		_ = os.Remove(socket)
		lis, err := net.Listen("unix", socket)
		if err != nil {
			return fmt.Errorf("coordinator socket: %w", err)
		}

		coord := stm.NewCoordinator(stm.NewStore(), stm.WithCoordinatorLogger(logger))
		coord.OnWorkerExit(queue.ReconcileHook(coord, logger))
		srv := stmgrpc.NewServer(coord, logger)
		g.Go(func() error { return srv.Serve(lis) })

		target = "unix://" + socket
		onExit = coord.WorkerExited
		cleanup = func() {
			srv.Stop()
			_ = coord.Close()
		}
		logger.Info().Str("socket", socket).Msg("coordinator listening")
	}

	sup, err := fleet.NewSupervisor(fleet.Config{
		Workers: cfg.Workers,
		Command: func(_ context.Context, id string) *exec.Cmd {
			args := []string{"worker",
				"--config", configPath,
				"--worker-id", id,
				"--log-level", opts.logLevel,
				"--log-format", "json",
			}
			if target != "" {
				args = append(args, "--coordinator", target)
			}
			return exec.Command(exe, args...)
		},
		OnExit: onExit,
		Logger: logger,
	})
	if err != nil {
		cleanup()
		return err
	}

	logger.Info().Int("workers", cfg.Workers).Str("addr", cfg.addr()).Msg("starting fleet")
	g.Go(func() error {
		defer cleanup()
		return sup.Run(ctx)
	})
	return g.Wait()
}
