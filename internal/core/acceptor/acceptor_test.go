package acceptor

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replyd/internal/core/session"
	"replyd/internal/shared"
	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

type goSpawner struct{}

func (goSpawner) Go(fn func()) { go fn() }

func testConf() types.ServerConf {
	return types.ServerConf{
		Address:           "127.0.0.1",
		Port:              0,
		BufferSize:        1024,
		Response:          "test",
		AcceptErrorPolicy: types.AcceptPolicyStop,
	}
}

// flakyListener fails the first `failures` Accept calls with err.
type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
	err      error
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, l.err
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func serve(t *testing.T, a *Acceptor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})
	return cancel, done
}

func exchange(t *testing.T, conn net.Conn, msg string) string {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	return string(reply)
}

func TestScenario_HelloThenClose(t *testing.T) {
	logs := shared.NewThreadSafeBuffer()
	require.NoError(t, logger.InitWithWriter(types.LogConf{Level: "info", Format: "json"}, logs))

	sup := session.NewSupervisor(goSpawner{}, testConf())
	a, err := Bind(context.Background(), testConf(), sup)
	require.NoError(t, err)
	serve(t, a)

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "test", exchange(t, conn, "hello"))

	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)

	assert.Contains(t, logs.String(), `"message":"listening"`)
	assert.Contains(t, logs.String(), conn.LocalAddr().String())
}

func TestBind_AddressInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	conf := testConf()
	conf.Port = occupied.Addr().(*net.TCPAddr).Port
	sup := session.NewSupervisor(goSpawner{}, conf)

	a, err := Bind(context.Background(), conf, sup)
	assert.Nil(t, a)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(conf.Port)), bindErr.Addr)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
}

func TestBind_InvalidPort(t *testing.T) {
	conf := testConf()
	conf.Port = 70000
	_, err := Bind(context.Background(), conf, session.NewSupervisor(goSpawner{}, conf))

	var bindErr *BindError
	assert.ErrorAs(t, err, &bindErr)
}

func TestBind_ListenerInfo(t *testing.T) {
	a, err := Bind(context.Background(), testConf(), session.NewSupervisor(goSpawner{}, testConf()))
	require.NoError(t, err)
	defer a.Close()

	info := a.ListenerInfo()
	require.NotNil(t, info)
	assert.Equal(t, "127.0.0.1", info.Address)
	assert.NotZero(t, info.Port)
}

func TestServe_StopPolicyEndsOnAcceptError(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	emfile := errors.New("accept tcp: too many open files")
	ln := &flakyListener{Listener: inner, failures: 1, err: emfile}

	a := New(ln, testConf(), session.NewSupervisor(goSpawner{}, testConf()))
	_, done := serve(t, a)

	select {
	case err := <-done:
		var acceptErr *AcceptError
		require.ErrorAs(t, err, &acceptErr)
		assert.ErrorIs(t, err, emfile)
	case <-time.After(3 * time.Second):
		t.Fatal("accept loop kept running after a fatal accept error")
	}

	_, err = net.DialTimeout("tcp", inner.Addr().String(), time.Second)
	assert.Error(t, err, "listener must be closed once the loop stops")
}

func TestServe_ContinuePolicyRecovers(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner, failures: 3, err: errors.New("transient")}

	conf := testConf()
	conf.AcceptErrorPolicy = types.AcceptPolicyContinue
	a := New(ln, conf, session.NewSupervisor(goSpawner{}, conf))
	cancel, done := serve(t, a)

	conn, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "test", exchange(t, conn, "ping"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ShutdownIsNotAnError(t *testing.T) {
	a, err := Bind(context.Background(), testConf(), session.NewSupervisor(goSpawner{}, testConf()))
	require.NoError(t, err)
	_, done := serve(t, a)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServe_MaxSessionsQueuesExtraConnections(t *testing.T) {
	conf := testConf()
	conf.MaxSessions = 1
	a, err := Bind(context.Background(), conf, session.NewSupervisor(goSpawner{}, conf))
	require.NoError(t, err)
	serve(t, a)

	first, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "test", exchange(t, first, "one"))

	second, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte("two"))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = second.Read(make([]byte, 4))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "second session must wait for a free slot")

	require.NoError(t, first.Close())
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	reply := make([]byte, 4)
	_, err = io.ReadFull(second, reply)
	require.NoError(t, err)
	assert.Equal(t, "test", string(reply))
}

func TestNextBackoff(t *testing.T) {
	var d time.Duration
	seen := []time.Duration{}
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
		seen = append(seen, d)
	}
	assert.Equal(t, minAcceptBackoff, seen[0])
	assert.Equal(t, 10*time.Millisecond, seen[1])
	assert.Equal(t, maxAcceptBackoff, seen[len(seen)-1])
}
