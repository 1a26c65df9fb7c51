package host

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replyd/internal/shared/types"
)

func validConf() types.RuntimeConf {
	return types.RuntimeConf{WorkerThreads: 2, BlockingThreads: 50, KeepAliveMs: 60, StackSize: 3145728}
}

func TestNewHost_RejectsInvalidKnobs(t *testing.T) {
	tests := []struct {
		name  string
		cfg   types.RuntimeConf
		field string
	}{
		{"no workers", types.RuntimeConf{WorkerThreads: 0}, "worker_threads"},
		{"negative blocking", types.RuntimeConf{WorkerThreads: 1, BlockingThreads: -1}, "blocking_threads"},
		{"tiny stack", types.RuntimeConf{WorkerThreads: 1, StackSize: 1024}, "stack_size"},
		{"negative keep alive", types.RuntimeConf{WorkerThreads: 1, KeepAliveMs: -5}, "keep_alive_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHost("xxx", tt.cfg)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNewHost_Name(t *testing.T) {
	h, err := NewHost("xxx", validConf())
	require.NoError(t, err)
	assert.Equal(t, "xxx-thread", h.Name())
}

func TestApplyRestore(t *testing.T) {
	before := runtime.GOMAXPROCS(0)
	h, err := NewHost("xxx", validConf())
	require.NoError(t, err)

	h.Apply()
	assert.Equal(t, 2, runtime.GOMAXPROCS(0))
	h.Apply() // second call keeps the recorded previous values

	h.Restore()
	assert.Equal(t, before, runtime.GOMAXPROCS(0))
}

func TestBlockOn_ReturnsEntryResult(t *testing.T) {
	h, err := NewHost("xxx", validConf())
	require.NoError(t, err)

	sentinel := errors.New("bind failed")
	err = h.BlockOn(context.Background(), func(ctx context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	err = h.BlockOn(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBlockOn_PanicBecomesError(t *testing.T) {
	h, err := NewHost("xxx", validConf())
	require.NoError(t, err)

	err = h.BlockOn(context.Background(), func(ctx context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, uint64(1), h.Panics())
}

func TestGo_PanicIsIsolated(t *testing.T) {
	h, err := NewHost("xxx", validConf())
	require.NoError(t, err)

	var ran atomic.Int32
	h.Go(func() { panic("task failure") })
	for i := 0; i < 10; i++ {
		h.Go(func() { ran.Add(1) })
	}
	h.Wait()

	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, uint64(1), h.Panics())
}
