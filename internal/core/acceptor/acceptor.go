package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
	"replyd/internal/sys/sockopt"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// BindError reports that the listening socket could not be created. It is
// startup-fatal and never retried.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("tcp listener error: failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AcceptError reports a listener failure that stopped the accept loop.
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept loop stopped: %v", e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// SessionSpawner takes ownership of an accepted connection.
type SessionSpawner interface {
	Spawn(conn net.Conn) (string, error)
}

// Acceptor owns the listening socket and feeds accepted connections, in
// arrival order, to the session spawner.
type Acceptor struct {
	listener     net.Listener
	listenerInfo *types.ListenerInfo
	sessions     SessionSpawner
	policy       string
	log          zerolog.Logger

	closeOnce sync.Once
	closing   atomic.Bool
}

// Bind creates the listening socket described by conf. A failure is returned
// as *BindError.
func Bind(ctx context.Context, conf types.ServerConf, sessions SessionSpawner) (*Acceptor, error) {
	listenAddr := net.JoinHostPort(conf.Address, strconv.Itoa(conf.Port))
	lc := net.ListenConfig{Control: sockopt.ListenControl(conf.FastOpen)}
	listener, err := lc.Listen(ctx, "tcp", listenAddr)
	if err != nil {
		return nil, &BindError{Addr: listenAddr, Err: err}
	}
	if conf.MaxSessions > 0 {
		listener = netutil.LimitListener(listener, conf.MaxSessions)
	}

	a := New(listener, conf, sessions)
	if conf.FastOpen > 0 && !sockopt.Supported() {
		a.log.Warn().Int("fast_open", conf.FastOpen).Msg("TCP Fast Open is not supported on this platform, ignoring")
	}
	a.log.Info().
		Str("listen_addr", listener.Addr().String()).
		Int("max_sessions", conf.MaxSessions).
		Str("accept_error_policy", a.policy).
		Msg("listening")
	return a, nil
}

// New wraps an existing listener.
func New(listener net.Listener, conf types.ServerConf, sessions SessionSpawner) *Acceptor {
	policy := strings.ToLower(conf.AcceptErrorPolicy)
	if policy == "" {
		policy = types.AcceptPolicyStop
	}
	a := &Acceptor{
		listener: listener,
		sessions: sessions,
		policy:   policy,
		log:      logger.WithComponent("acceptor"),
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		a.listenerInfo = &types.ListenerInfo{
			Address: tcpAddr.IP.String(),
			Port:    tcpAddr.Port,
		}
	}
	return a
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// ListenerInfo returns the bound address and port, nil for non-TCP listeners.
func (a *Acceptor) ListenerInfo() *types.ListenerInfo {
	return a.listenerInfo
}

// Serve runs the accept loop until ctx is cancelled, Close is called, or an
// accept error stops it. Shutdown returns nil. Under the stop policy an
// accept error is returned as *AcceptError; under the continue policy it is
// logged and accepting resumes after a backoff.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		a.Close()
	})
	defer stop()

	var backoff time.Duration
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.closing.Load() || errors.Is(err, net.ErrClosed) {
				a.log.Info().Msg("Acceptor listener is closing.")
				return nil
			}
			if a.policy == types.AcceptPolicyContinue {
				backoff = nextBackoff(backoff)
				a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("failed to accept connection")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			a.log.Error().Err(err).Msg("application error: accept failed, stopping server")
			a.Close()
			return &AcceptError{Err: err}
		}
		backoff = 0

		peer := conn.RemoteAddr().String()
		a.log.Info().Str("peer", peer).Msg("accept")
		if _, err := a.sessions.Spawn(conn); err != nil {
			a.log.Warn().Err(err).Str("peer", peer).Msg("Connection rejected")
		}
	}
}

// Close stops accepting. It is safe to call more than once.
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		err = a.listener.Close()
	})
	return err
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return minAcceptBackoff
	}
	cur *= 2
	if cur > maxAcceptBackoff {
		cur = maxAcceptBackoff
	}
	return cur
}
