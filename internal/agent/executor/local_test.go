package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogent/ogent/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestLocalRunCapturesOutput(t *testing.T) {
	e := NewLocalExecutor(testLogger(t))

	result, err := e.Run(context.Background(), "echo out; echo err 1>&2", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
	assert.Equal(t, TypeLocal, result.ExecutionType)
	assert.False(t, result.Cancelled)
}

func TestLocalRunExitCode(t *testing.T) {
	e := NewLocalExecutor(testLogger(t))

	result, err := e.Run(context.Background(), "exit 3", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ExitCode)
}

func TestLocalRunStreamsChunks(t *testing.T) {
	e := NewLocalExecutor(testLogger(t))

	var mu sync.Mutex
	var chunks []string
	result, err := e.Run(context.Background(), "echo one; echo two", func(p Progress) {
		mu.Lock()
		if p.StdoutChunk != "" {
			chunks = append(chunks, p.StdoutChunk)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one\n", "two\n"}, chunks)
	// Chunks concatenate to the full captured output
	assert.Equal(t, result.Stdout, strings.Join(chunks, ""))
}

func TestLocalRunCancellation(t *testing.T) {
	e := NewLocalExecutor(testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := e.Run(ctx, "sleep 30", nil)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalKillsWholePipeline(t *testing.T) {
	e := NewLocalExecutor(testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	// The sleep runs as a child of the shell; the process group kill must
	// reach it.
	result, err := e.Run(ctx, "sh -c 'sleep 30' | cat", nil)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}
