// Package host runs the server on the Go scheduler. It applies the configured
// thread knobs, blocks the caller until the entry point returns, and spawns
// tasks whose panics never take the process down.
package host

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

const (
	// threadReserve is added to the thread cap for the runtime's own threads
	// (sysmon, GC workers, netpoller).
	threadReserve = 64
	minStackSize  = 64 * 1024
)

// ConfigError reports an invalid runtime setting. It is startup-fatal.
type ConfigError struct {
	Field string
	Value int
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("runtime config: %s=%d %s", e.Field, e.Value, e.Msg)
}

// Host owns the scheduler settings and the set of spawned tasks.
type Host struct {
	name string
	cfg  types.RuntimeConf
	log  zerolog.Logger

	mu          sync.Mutex
	applied     bool
	prevProcs   int
	prevThreads int
	prevStack   int

	tasks  sync.WaitGroup
	panics atomic.Uint64
}

// NewHost validates cfg and returns a host named after the application.
func NewHost(appName string, cfg types.RuntimeConf) (*Host, error) {
	if cfg.WorkerThreads < 1 {
		return nil, &ConfigError{Field: "worker_threads", Value: cfg.WorkerThreads, Msg: "must be at least 1"}
	}
	if cfg.BlockingThreads < 0 {
		return nil, &ConfigError{Field: "blocking_threads", Value: cfg.BlockingThreads, Msg: "must not be negative"}
	}
	if cfg.StackSize != 0 && cfg.StackSize < minStackSize {
		return nil, &ConfigError{Field: "stack_size", Value: cfg.StackSize, Msg: fmt.Sprintf("must be 0 or at least %d", minStackSize)}
	}
	if cfg.KeepAliveMs < 0 {
		return nil, &ConfigError{Field: "keep_alive_ms", Value: cfg.KeepAliveMs, Msg: "must not be negative"}
	}
	name := fmt.Sprintf("%s-thread", appName)
	return &Host{
		name: name,
		cfg:  cfg,
		log:  logger.WithComponent("host").With().Str("host", name).Logger(),
	}, nil
}

// Name is the host label used in logs.
func (h *Host) Name() string { return h.name }

// Apply installs the scheduler settings. Calling it twice is a no-op.
func (h *Host) Apply() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applied {
		return
	}
	h.prevProcs = runtime.GOMAXPROCS(h.cfg.WorkerThreads)
	h.prevThreads = debug.SetMaxThreads(h.cfg.WorkerThreads + h.cfg.BlockingThreads + threadReserve)
	if h.cfg.StackSize > 0 {
		h.prevStack = debug.SetMaxStack(h.cfg.StackSize)
	}
	h.applied = true

	h.log.Info().
		Int("worker_threads", h.cfg.WorkerThreads).
		Int("blocking_threads", h.cfg.BlockingThreads).
		Int("stack_size", h.cfg.StackSize).
		Dur("keep_alive", time.Duration(h.cfg.KeepAliveMs)*time.Millisecond).
		Msg("Runtime host configured")
}

// Restore puts back the settings that were active before Apply.
func (h *Host) Restore() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.applied {
		return
	}
	runtime.GOMAXPROCS(h.prevProcs)
	debug.SetMaxThreads(h.prevThreads)
	if h.prevStack > 0 {
		debug.SetMaxStack(h.prevStack)
	}
	h.applied = false
}

// BlockOn runs entry and blocks until it returns. A panic in entry is
// returned as an error.
func (h *Host) BlockOn(ctx context.Context, entry func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.panics.Add(1)
				done <- fmt.Errorf("entry point panic: %v\n\n%s", r, debug.Stack())
			}
		}()
		done <- entry(ctx)
	}()
	return <-done
}

// Go spawns fn as an independent task. A panic inside fn is logged and
// swallowed.
func (h *Host) Go(fn func()) {
	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				h.panics.Add(1)
				h.log.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Task panicked; host keeps running")
			}
		}()
		fn()
	}()
}

// Wait blocks until every task started with Go has returned.
func (h *Host) Wait() {
	h.tasks.Wait()
}

// Panics returns how many tasks or entry points have panicked.
func (h *Host) Panics() uint64 {
	return h.panics.Load()
}
