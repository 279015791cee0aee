package fleet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRestartDelay = time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var ErrNoCommand = errors.New("fleet: command builder required")

// Config describes the worker processes of a fleet.
type Config struct {
	// Workers is the number of worker slots. Each slot keeps one process alive.
	Workers int
	// Command builds the process of workerID. Use exec.Command, not
	// CommandContext: the supervisor interrupts the process when the fleet
	// stops and kills it after StopTimeout. Unset stdout and stderr are
	// forwarded to Logger.
	Command func(ctx context.Context, workerID string) *exec.Cmd
	// OnExit runs after every worker exit, before a replacement is started.
	OnExit       func(ctx context.Context, workerID string)
	RestartDelay time.Duration
	StopTimeout  time.Duration
	Logger       zerolog.Logger
}

// Supervisor starts the workers of a fleet and restarts them when they exit.
// A worker killed with SIGKILL is not restarted.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewSupervisor validates cfg.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Command == nil {
		return nil, ErrNoCommand
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("fleet: workers must be > 0, got %d", cfg.Workers)
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{cfg: cfg, running: make(map[string]*exec.Cmd)}, nil
}

// Run keeps the workers alive until ctx ends or every slot has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for slot := 0; slot < s.cfg.Workers; slot++ {
		g.Go(func() error {
			return s.runSlot(ctx, slot)
		})
	}
	return g.Wait()
}

// Running returns the ids of live workers.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) runSlot(ctx context.Context, slot int) error {
	for {
		id := uuid.NewString()
		restart, err := s.runWorker(ctx, id)
		if err != nil {
			return fmt.Errorf("fleet: slot %d: %w", slot, err)
		}
		if !restart || ctx.Err() != nil {
			return nil
		}

		t := time.NewTimer(s.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// runWorker runs one process to completion and reports whether its slot
// should be refilled.
func (s *Supervisor) runWorker(ctx context.Context, id string) (bool, error) {
	logger := s.cfg.Logger.With().Str("worker", id).Logger()

	cmd := s.cfg.Command(ctx, id)
	if cmd == nil {
		return false, ErrNoCommand
	}
	var forward sync.WaitGroup
	if cmd.Stdout == nil {
		out, err := cmd.StdoutPipe()
		if err != nil {
			return false, err
		}
		forward.Add(1)
		go forwardLines(&forward, out, logger)
	}
	if cmd.Stderr == nil {
		errOut, err := cmd.StderrPipe()
		if err != nil {
			return false, err
		}
		forward.Add(1)
		go forwardLines(&forward, errOut, logger)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start worker: %w", err)
	}
	s.track(id, cmd)
	logger.Info().Int("pid", cmd.Process.Pid).Msg("worker started")

	exited := make(chan struct{})
	go s.stopOnDone(ctx, cmd, exited, logger)

	forward.Wait()
	err := cmd.Wait()
	close(exited)
	s.untrack(id)

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	logger.Warn().Err(err).Int("code", code).Msg("worker exited")

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(context.WithoutCancel(ctx), id)
	}
	return !killed(cmd.ProcessState), nil
}

// stopOnDone interrupts the worker when ctx ends and kills it if it is still
// running after StopTimeout.
func (s *Supervisor) stopOnDone(ctx context.Context, cmd *exec.Cmd, exited <-chan struct{}, logger zerolog.Logger) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}
	_ = cmd.Process.Signal(os.Interrupt)

	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-exited:
	case <-t.C:
		logger.Warn().Dur("timeout", s.cfg.StopTimeout).Msg("worker did not stop, killing")
		_ = cmd.Process.Kill()
	}
}

func (s *Supervisor) track(id string, cmd *exec.Cmd) {
	s.mu.Lock()
	s.running[id] = cmd
	s.mu.Unlock()
}

func (s *Supervisor) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// forwardLines logs every line the worker writes.
func forwardLines(wg *sync.WaitGroup, r io.Reader, logger zerolog.Logger) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Info().Msg(sc.Text())
	}
}
