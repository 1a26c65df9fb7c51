package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"replyd/internal/shared/logger"
)

// Round is one request/response exchange of a probe.
type Round struct {
	Latency time.Duration
	Reply   []byte
}

// Result is the outcome of probing one address.
type Result struct {
	Addr   string
	Rounds []Round
	Err    error
}

// Latency returns the mean round latency, or -1 when no round completed.
func (r Result) Latency() time.Duration {
	if len(r.Rounds) == 0 {
		return -1
	}
	var total time.Duration
	for _, rd := range r.Rounds {
		total += rd.Latency
	}
	return total / time.Duration(len(r.Rounds))
}

// Checker dials a replyd listener, sends a payload and verifies the fixed
// reply.
type Checker struct {
	timeout  time.Duration
	payload  []byte
	expected []byte
}

// New creates a Checker. Every exchange must complete within timeout.
func New(timeout time.Duration, payload, expected []byte) *Checker {
	return &Checker{
		timeout:  timeout,
		payload:  payload,
		expected: expected,
	}
}

// Probe opens one connection to addr and performs rounds exchanges on it.
func (c *Checker) Probe(ctx context.Context, addr string, rounds int) Result {
	res := Result{Addr: addr}
	if rounds < 1 {
		rounds = 1
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		res.Err = fmt.Errorf("dial %s: %w", addr, err)
		return res
	}
	defer conn.Close()

	reply := make([]byte, len(c.expected))
	for i := 0; i < rounds; i++ {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			res.Err = err
			return res
		}
		start := time.Now()
		if _, err := conn.Write(c.payload); err != nil {
			res.Err = fmt.Errorf("round %d write: %w", i+1, err)
			return res
		}
		if _, err := io.ReadFull(conn, reply); err != nil {
			res.Err = fmt.Errorf("round %d read: %w", i+1, err)
			return res
		}
		latency := time.Since(start)
		got := append([]byte(nil), reply...)
		res.Rounds = append(res.Rounds, Round{Latency: latency, Reply: got})
		if !bytes.Equal(got, c.expected) {
			res.Err = fmt.Errorf("round %d: unexpected reply %q, want %q", i+1, got, c.expected)
			return res
		}
	}
	return res
}

// Check probes every address concurrently with a single round each.
func (c *Checker) Check(ctx context.Context, addrs []string) map[string]Result {
	results := make(map[string]Result, len(addrs))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			res := c.Probe(ctx, addr, 1)

			logFields := logger.Debug().Str("addr", addr)
			if res.Err == nil {
				logFields.Bool("success", true).Dur("latency", res.Latency()).Msg("HealthCheck: Check passed.")
			} else {
				logFields.Bool("success", false).Err(res.Err).Msg("HealthCheck: Check failed.")
			}

			mu.Lock()
			results[addr] = res
			mu.Unlock()
		}(addr)
	}

	wg.Wait()
	return results
}
