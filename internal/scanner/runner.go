package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	maxLineBytes   = 1024 * 1024 // tools emit large JSON lines
	maxStderrBytes = 8 * 1024
	defaultGrace   = 5 * time.Second
)

// Sentinel errors distinguishing why a subprocess stopped.
var (
	ErrRunTimeout   = errors.New("subprocess timed out")
	ErrRunCancelled = errors.New("subprocess cancelled")
)

// CommandSpec describes one external tool invocation.
type CommandSpec struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration
	Grace   time.Duration // SIGTERM to SIGKILL window
}

// CommandRunner launches a tool and streams its stdout line-by-line.
// Implementations report ErrRunTimeout or ErrRunCancelled when the process
// was stopped early; any other error is the tool's own failure, with the
// bounded stderr capture returned alongside.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec, onLine func(line string)) (stderr string, err error)
}

// ExecRunner runs real subprocesses in their own process group so that the
// whole tool tree dies together.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, spec CommandSpec, onLine func(string)) (string, error) {
	grace := spec.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}
	pgid := cmd.Process.Pid

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	// Reaper: terminate the process group when the context ends
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			terminateGroup(pgid, grace, done)
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	var stderr strings.Builder
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, maxLineBytes)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		buf := make([]byte, 0, 8*1024)
		scanner.Buffer(buf, maxLineBytes)
		for scanner.Scan() {
			if stderr.Len() < maxStderrBytes {
				line := scanner.Text()
				if remaining := maxStderrBytes - stderr.Len(); len(line) > remaining {
					line = line[:remaining]
				}
				stderr.WriteString(line)
				stderr.WriteByte('\n')
			}
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(done)

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return stderr.String(), ErrRunTimeout
	case ctx.Err() != nil:
		return stderr.String(), ErrRunCancelled
	case waitErr != nil:
		return stderr.String(), waitErr
	}
	return stderr.String(), nil
}

// terminateGroup sends SIGTERM to the process group, escalating to SIGKILL
// after the grace period unless the process exits first.
func terminateGroup(pgid int, grace time.Duration, exited <-chan struct{}) {
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		log.Debug().Err(err).Int("pgid", pgid).Msg("SIGTERM to process group failed")
	}
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		log.Debug().Err(err).Int("pgid", pgid).Msg("SIGKILL to process group failed")
	}
}

// ExitCode extracts the exit code from a subprocess error, -1 if unknown.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
