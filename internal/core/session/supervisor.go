package session

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

var (
	// ErrShuttingDown is returned by Spawn once Shutdown has started.
	ErrShuttingDown = errors.New("session supervisor is shutting down")

	errAborted = errors.New("session aborted")
)

// Spawner starts a task concurrently with all others. host.Host implements it.
type Spawner interface {
	Go(fn func())
}

type entry struct {
	sess   *Session
	cancel context.CancelFunc
}

// Supervisor is the registry of running sessions. Each session is spawned
// with its own cancel func so that it can be stopped individually or as part
// of Shutdown. There is no cap on the number of sessions.
type Supervisor struct {
	spawner    Spawner
	bufferSize int
	response   []byte
	log        zerolog.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*entry
	sinks    []types.EventSink
	closing  bool
	wg       sync.WaitGroup

	accepted atomic.Uint64
	closed   atomic.Uint64
	errored  atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewSupervisor creates a supervisor that runs sessions on spawner using the
// buffer size and response from conf.
func NewSupervisor(spawner Spawner, conf types.ServerConf) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		spawner:    spawner,
		bufferSize: conf.BufferSize,
		response:   []byte(conf.Response),
		log:        logger.WithComponent("session"),
		baseCtx:    ctx,
		cancelAll:  cancel,
		sessions:   make(map[string]*entry),
	}
}

// Subscribe registers a sink for session lifecycle events.
func (s *Supervisor) Subscribe(sink types.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Spawn takes ownership of conn and runs a session for it. The returned id
// identifies the session in Active and Cancel.
func (s *Supervisor) Spawn(conn net.Conn) (string, error) {
	sess := New(conn, s.bufferSize, s.response)
	ctx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		conn.Close()
		return "", ErrShuttingDown
	}
	s.sessions[sess.ID()] = &entry{sess: sess, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.publish(&types.SessionEvent{
		Type:      types.EventSessionOpened,
		Timestamp: time.Now(),
		Session:   sess.Info(),
	})

	s.spawner.Go(func() {
		// Overwritten by Run; left as is only when Run panics.
		outcome, runErr := types.OutcomeReadError, errAborted
		defer func() {
			conn.Close()
			cancel()
			s.finish(sess, outcome, runErr)
		}()
		outcome, runErr = sess.Run(ctx)
	})
	return sess.ID(), nil
}

func (s *Supervisor) finish(sess *Session, outcome types.Outcome, runErr error) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()

	info := sess.Info()
	s.bytesIn.Add(info.BytesIn)
	s.bytesOut.Add(info.BytesOut)
	if runErr != nil {
		s.errored.Add(1)
	} else {
		s.closed.Add(1)
	}

	ev := &types.SessionEvent{
		Type:      types.EventSessionClosed,
		Timestamp: time.Now(),
		Session:   info,
		Outcome:   outcome,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	s.publish(ev)

	s.log.Debug().
		Str("session_id", info.ID).
		Str("peer", info.Peer).
		Str("outcome", string(outcome)).
		Uint64("bytes_in", info.BytesIn).
		Uint64("bytes_out", info.BytesOut).
		Dur("duration", time.Since(info.StartedAt)).
		Msg("Session finished")

	s.wg.Done()
}

func (s *Supervisor) publish(ev *types.SessionEvent) {
	s.mu.Lock()
	sinks := make([]types.EventSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink.OnSessionEvent(ev)
	}
}

// Cancel stops one session. It reports whether the session was running.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// Len returns the number of running sessions.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Active returns the running sessions ordered by start time.
func (s *Supervisor) Active() []types.SessionInfo {
	s.mu.Lock()
	infos := make([]types.SessionInfo, 0, len(s.sessions))
	for _, e := range s.sessions {
		infos = append(infos, e.sess.Info())
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Stats returns the aggregate counters. Byte totals are finished sessions plus
// a live read of the running ones.
func (s *Supervisor) Stats() types.Stats {
	st := types.Stats{
		Accepted: s.accepted.Load(),
		Closed:   s.closed.Load(),
		Errored:  s.errored.Load(),
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
	}
	for _, info := range s.Active() {
		st.ActiveSessions++
		st.BytesIn += info.BytesIn
		st.BytesOut += info.BytesOut
	}
	return st
}

// Shutdown refuses new sessions, cancels the running ones and waits for them
// to return or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	n := len(s.sessions)
	s.mu.Unlock()

	s.cancelAll()
	s.log.Info().Int("sessions", n).Msg("Shutting down sessions")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
