package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	goShield "github.com/MrEthical07/goShield"
	"github.com/MrEthical07/goShield/internal/fleet"
	"github.com/MrEthical07/goShield/internal/gateway"
	promexport "github.com/MrEthical07/goShield/metrics/export/prometheus"
	"github.com/MrEthical07/goShield/middleware"
	"github.com/MrEthical07/goShield/stm"
	"github.com/MrEthical07/goShield/stm/stmgrpc"
	"github.com/MrEthical07/goShield/stm/stmredis"
)

const (
	attachTimeout   = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	var workerID, coordinator string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one gateway worker (standalone without --coordinator)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			if workerID == "" {
				workerID = uuid.NewString()
			}
			logger = logger.With().Str("worker", workerID).Logger()

			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, workerID, coordinator, logger)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "fleet-unique worker id (default random)")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator target, e.g. unix:///run/shield/stm.sock")
	return cmd
}

func runWorker(ctx context.Context, cfg *fileConfig, workerID, coordinator string, logger zerolog.Logger) error {
	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(ctx, cfg, workerID, coordinator, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	engine, err := goShield.New().
		WithConfig(engineCfg).
		WithUsers(cfg.Users).
		WithBackend(backend).
		WithWorkerID(workerID).
		WithLogger(logger).
		WithAuditSink(goShield.NewLogSink(logger)).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.Init(ctx); err != nil {
		return err
	}

	login := middleware.BasicAuth(engine)
	if cfg.Login == "certificate" {
		login = middleware.ClientCertAuth(engine)
	}
	var metrics http.Handler
	if engineCfg.Metrics.Enabled {
		metrics = promexport.NewCollector(engine).Handler()
	}
	handler, err := gateway.New(engine, gateway.Config{
		Apps:          cfg.Apps,
		Login:         login,
		Metrics:       metrics,
		MetricsAccess: cfg.Metrics.Access,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	lis, err := fleet.Listen(ctx, "tcp", cfg.addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.addr(), err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	if cfg.tlsEnabled() {
		tlsCfg, err := serverTLS(cfg)
		if err != nil {
			_ = lis.Close()
			return err
		}
		lis = tls.NewListener(lis, tlsCfg)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Bool("tls", cfg.tlsEnabled()).Bool("sso", engine.SSOEnabled()).Msg("listening")
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openBackend picks the shared state: redis when configured, the coordinator
// when attached, else a private in-process store.
func openBackend(ctx context.Context, cfg *fileConfig, workerID, coordinator string, logger zerolog.Logger) (stm.Backend, func(), error) {
	switch {
	case cfg.Redis.Addr != "":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.Redis.Addr}})
		backend := stmredis.New(rdb, workerID, stmredis.WithPrefix(cfg.Redis.Prefix), stmredis.WithLogger(logger))
		return backend, func() {
			_ = backend.Close()
			_ = rdb.Close()
		}, nil
	case coordinator != "":
		attachCtx, cancel := context.WithTimeout(ctx, attachTimeout)
		defer cancel()
		client, err := stmgrpc.Dial(attachCtx, coordinator, workerID, stm.WithClientLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	default:
		logger.Warn().Msg("no coordinator, running standalone")
		return nil, func() {}, nil
	}
}

func serverTLS(cfg *fileConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.resolve(cfg.TLS.Cert), cfg.resolve(cfg.TLS.Key))
	if err != nil {
		return nil, fmt.Errorf("tls key pair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.TLS.CA != "" {
		caPEM, err := cfg.readFile(cfg.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("tls ca: no certificates found")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}
