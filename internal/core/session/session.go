package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"replyd/internal/shared"
	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

// Session drives one accepted connection: every non-empty read is answered
// with the fixed response until the peer closes or I/O fails. The buffer and
// the connection are owned by the single goroutine running Run.
type Session struct {
	id        string
	raw       net.Conn
	conn      net.Conn
	peer      string
	buf       []byte
	response  []byte
	startedAt time.Time

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	log zerolog.Logger
}

// New wraps conn in a session with a bufferSize read buffer. response is
// shared read-only and must not be modified afterwards.
func New(conn net.Conn, bufferSize int, response []byte) *Session {
	s := &Session{
		id:        uuid.NewString(),
		raw:       conn,
		peer:      conn.RemoteAddr().String(),
		buf:       make([]byte, bufferSize),
		response:  response,
		startedAt: time.Now(),
	}
	s.conn = shared.NewCountedConn(conn, &s.bytesIn, &s.bytesOut)
	s.log = logger.WithComponent("session").With().
		Str("session_id", s.id).
		Str("peer", s.peer).
		Logger()
	return s
}

func (s *Session) ID() string { return s.id }

// Info returns a snapshot safe to call from any goroutine.
func (s *Session) Info() types.SessionInfo {
	return types.SessionInfo{
		ID:        s.id,
		Peer:      s.peer,
		StartedAt: s.startedAt,
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}

// Run loops read -> respond until a terminal condition. Read and write errors
// are logged here and returned with the outcome; they never escape the
// session. Cancelling ctx closes the connection and ends the loop with
// OutcomeCancelled.
func (s *Session) Run(ctx context.Context) (types.Outcome, error) {
	stop := context.AfterFunc(ctx, func() {
		s.raw.Close()
	})
	defer stop()

	for {
		n, err := s.conn.Read(s.buf)
		if n > 0 {
			// The request bytes are not interpreted.
			if werr := writeFull(s.conn, s.response); werr != nil {
				if ctx.Err() != nil {
					return types.OutcomeCancelled, nil
				}
				s.log.Error().Err(werr).Msg("failed to write to socket")
				return types.OutcomeWriteError, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return types.OutcomeClosed, nil
			}
			if ctx.Err() != nil {
				return types.OutcomeCancelled, nil
			}
			s.log.Error().Err(err).Msg("failed to read from socket")
			return types.OutcomeReadError, err
		}
	}
}

// writeFull writes all of p, retrying short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
