package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"replyd/internal/core/acceptor"
	"replyd/internal/core/health"
	"replyd/internal/core/session"
	"replyd/internal/host"
	"replyd/internal/service/monitor"
	"replyd/internal/shared/globalstate"
	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

// ErrAlreadyRunning is returned by Run when the server was started before.
var ErrAlreadyRunning = errors.New("server is already running")

// AppServer is the application's main struct. It owns the runtime host, the
// acceptor, the session supervisor and the optional monitor.
type AppServer struct {
	cfg    *types.Config
	log    zerolog.Logger
	status *globalstate.StatusManager

	mu         sync.Mutex
	running    bool
	acceptor   *acceptor.Acceptor
	supervisor *session.Supervisor
	monitor    *monitor.Server
	startedAt  time.Time

	ready    chan struct{}
	done     chan struct{}
	stop     chan struct{}
	runErr   error
	stopOnce sync.Once
}

// New creates a server for cfg. Nothing is bound until Run.
func New(cfg *types.Config) *AppServer {
	return &AppServer{
		cfg:    cfg,
		log:    logger.WithComponent("app"),
		status: globalstate.NewStatusManager(),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Run builds the runtime host and blocks until the server stops. It returns
// nil after a shutdown requested through ctx or Stop, and the startup-fatal or
// acceptor-fatal error otherwise.
func (s *AppServer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.run(ctx)
	cancel()
	if err != nil {
		s.status.Set(globalstate.StatusFailed)
	} else {
		s.status.Set(globalstate.StatusStopped)
	}

	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
	close(s.done)
	return err
}

func (s *AppServer) run(ctx context.Context) error {
	s.log.Info().Msgf("Initializing %s", s.cfg.AppName)

	h, err := host.NewHost(s.cfg.AppName, s.cfg.RuntimeConf)
	if err != nil {
		s.log.Error().Err(err).Msg("runtime error")
		return err
	}
	h.Apply()
	defer h.Restore()

	return h.BlockOn(ctx, func(ctx context.Context) error {
		return s.serve(ctx, h)
	})
}

func (s *AppServer) serve(ctx context.Context, h *host.Host) error {
	if ctx.Err() != nil {
		return nil
	}
	sup := session.NewSupervisor(h, s.cfg.ServerConf)
	acc, err := acceptor.Bind(context.WithoutCancel(ctx), s.cfg.ServerConf, sup)
	if err != nil {
		s.log.Error().Err(err).Msg("tcp listener error")
		return err
	}

	var mon *monitor.Server
	if s.cfg.MonitorConf.Port > 0 {
		mon = s.newMonitor(acc, sup)
		if _, err := mon.Start(); err != nil {
			acc.Close()
			s.log.Error().Err(err).Msg("Monitor failed to start")
			return fmt.Errorf("monitor failed to listen: %w", err)
		}
	}

	s.mu.Lock()
	s.acceptor = acc
	s.supervisor = sup
	s.monitor = mon
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.status.Set(globalstate.StatusRunning)
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acc.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.status.Set(globalstate.StatusStopping)
		acc.Close()
		s.shutdown(sup, mon)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Info().Msg("Server stopped")
	return nil
}

func (s *AppServer) newMonitor(acc *acceptor.Acceptor, sup *session.Supervisor) *monitor.Server {
	hub := monitor.NewHub()
	sup.Subscribe(hub)
	checker := health.New(2*time.Second, []byte("healthz"), []byte(s.cfg.ServerConf.Response))
	return monitor.New(s.cfg.MonitorConf, monitor.Info{
		AppName:      s.cfg.AppName,
		ListenAddr:   acc.Addr().String(),
		AcceptPolicy: s.cfg.ServerConf.AcceptErrorPolicy,
		MaxSessions:  s.cfg.ServerConf.MaxSessions,
		StartedAt:    time.Now(),
		Status:       s.status,
	}, sup, hub, checker)
}

func (s *AppServer) shutdown(sup *session.Supervisor, mon *monitor.Server) {
	timeout := time.Duration(s.cfg.ServerConf.ShutdownTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Int("sessions", sup.Len()).Msg("Sessions did not finish before the shutdown timeout")
	}
	if mon != nil {
		if err := mon.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Monitor shutdown incomplete")
		}
	}
}

// Stop requests a graceful shutdown. It is safe to call at any time, also
// before Run.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}
