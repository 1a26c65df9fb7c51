package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replyd/internal/shared"
	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

var response = []byte("test")

// scriptedConn replays a fixed list of read results and records writes.
type scriptedConn struct {
	net.Conn
	mu       sync.Mutex
	reads    []readResult
	writeErr error
	written  []byte
	bufPtrs  []*byte
	bufLens  []int
	closed   bool
}

type readResult struct {
	data []byte
	err  error
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufPtrs = append(c.bufPtrs, &p[0])
	c.bufLens = append(c.bufLens, len(p))
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	n := copy(p, r.data)
	return n, r.err
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func captureLogs(t *testing.T) *shared.ThreadSafeBuffer {
	t.Helper()
	buf := shared.NewThreadSafeBuffer()
	require.NoError(t, logger.InitWithWriter(types.LogConf{Level: "debug", Format: "json"}, buf))
	return buf
}

func TestRun_RespondsToEveryRead(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := New(server, 1024, response)
	result := make(chan types.Outcome, 1)
	go func() {
		outcome, _ := sess.Run(context.Background())
		result <- outcome
	}()

	for _, msg := range []string{"hello", "x", "a much longer request that is still ignored"} {
		_, err := client.Write([]byte(msg))
		require.NoError(t, err)

		reply := make([]byte, 4)
		_, err = io.ReadFull(client, reply)
		require.NoError(t, err)
		assert.Equal(t, "test", string(reply))
	}

	require.NoError(t, client.Close())
	select {
	case outcome := <-result:
		assert.Equal(t, types.OutcomeClosed, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after peer close")
	}

	info := sess.Info()
	assert.Equal(t, uint64(12), info.BytesOut)
	assert.Equal(t, uint64(len("hello")+len("x")+len("a much longer request that is still ignored")), info.BytesIn)
}

func TestRun_OrderlyCloseSendsNothing(t *testing.T) {
	conn := &scriptedConn{reads: []readResult{{err: io.EOF}}}
	outcome, err := New(conn, 1024, response).Run(context.Background())

	assert.Equal(t, types.OutcomeClosed, outcome)
	assert.NoError(t, err)
	assert.Empty(t, conn.written)
}

func TestRun_DataWithEOFStillAnswered(t *testing.T) {
	conn := &scriptedConn{reads: []readResult{{data: []byte("bye"), err: io.EOF}}}
	outcome, err := New(conn, 1024, response).Run(context.Background())

	assert.Equal(t, types.OutcomeClosed, outcome)
	assert.NoError(t, err)
	assert.Equal(t, "test", string(conn.written))
}

func TestRun_ReadErrorIsLoggedAndLocal(t *testing.T) {
	logs := captureLogs(t)
	reset := errors.New("connection reset by peer")
	conn := &scriptedConn{reads: []readResult{{data: []byte("ping")}, {err: reset}}}

	outcome, err := New(conn, 1024, response).Run(context.Background())

	assert.Equal(t, types.OutcomeReadError, outcome)
	assert.ErrorIs(t, err, reset)
	assert.Equal(t, "test", string(conn.written))
	assert.Contains(t, logs.String(), "failed to read from socket")
	assert.Contains(t, logs.String(), "connection reset by peer")
}

func TestRun_WriteErrorIsLoggedAndLocal(t *testing.T) {
	logs := captureLogs(t)
	broken := errors.New("broken pipe")
	conn := &scriptedConn{
		reads:    []readResult{{data: []byte("ping")}},
		writeErr: broken,
	}

	outcome, err := New(conn, 1024, response).Run(context.Background())

	assert.Equal(t, types.OutcomeWriteError, outcome)
	assert.ErrorIs(t, err, broken)
	assert.Contains(t, logs.String(), "failed to write to socket")
}

func TestRun_ReusesOneBuffer(t *testing.T) {
	conn := &scriptedConn{reads: []readResult{
		{data: []byte("a")}, {data: []byte("b")}, {data: []byte("c")},
	}}
	_, err := New(conn, 1024, response).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, conn.bufPtrs, 4)
	for i := range conn.bufPtrs {
		assert.Same(t, conn.bufPtrs[0], conn.bufPtrs[i])
		assert.Equal(t, 1024, conn.bufLens[i])
	}
	assert.Equal(t, "testtesttest", string(conn.written))
}

func TestRun_CancelClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan types.Outcome, 1)
	go func() {
		outcome, _ := New(server, 1024, response).Run(ctx)
		result <- outcome
	}()

	cancel()
	select {
	case outcome := <-result:
		assert.Equal(t, types.OutcomeCancelled, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("session ignored cancellation")
	}
}

type trickleWriter struct {
	got   []byte
	calls int
}

func (w *trickleWriter) Write(p []byte) (int, error) {
	w.calls++
	w.got = append(w.got, p[0])
	return 1, nil
}

type stuckWriter struct{}

func (stuckWriter) Write(p []byte) (int, error) { return 0, nil }

func TestWriteFull_RetriesShortWrites(t *testing.T) {
	w := &trickleWriter{}
	require.NoError(t, writeFull(w, []byte("test")))
	assert.Equal(t, "test", string(w.got))
	assert.Equal(t, 4, w.calls)
}

func TestWriteFull_ZeroProgressFails(t *testing.T) {
	assert.ErrorIs(t, writeFull(stuckWriter{}, []byte("test")), io.ErrShortWrite)
}
