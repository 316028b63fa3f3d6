package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerStreamsStdout(t *testing.T) {
	var lines []string
	stderr, err := ExecRunner{}.Run(context.Background(), CommandSpec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo one; echo two; echo err >&2"},
	}, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
	assert.Contains(t, stderr, "err")
}

func TestExecRunnerExitCode(t *testing.T) {
	stderr, err := ExecRunner{}.Run(context.Background(), CommandSpec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.Contains(t, stderr, "boom")
}

func TestExecRunnerTimeout(t *testing.T) {
	start := time.Now()
	_, err := ExecRunner{}.Run(context.Background(), CommandSpec{
		Path:    "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
		Grace:   100 * time.Millisecond,
	}, nil)
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "process group must die well before the sleep ends")
}

func TestExecRunnerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := ExecRunner{}.Run(ctx, CommandSpec{
		Path:  "/bin/sh",
		Args:  []string{"-c", "sleep 30"},
		Grace: 100 * time.Millisecond,
	}, nil)
	assert.ErrorIs(t, err, ErrRunCancelled)
}

func TestExecRunnerMissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), CommandSpec{Path: "/nonexistent/tool"}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRunTimeout))
	assert.Equal(t, -1, ExitCode(err))
}
