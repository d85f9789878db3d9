// Package runner drives the external upscaler process for a single job.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	maxLineBytes        = 4096
)

// LineFunc receives every stdout line of the child as it is read.
type LineFunc func(ctx context.Context, line string)

type Result struct {
	Path    string
	Args    []string
	Output  string
	Started time.Time
	Stopped time.Time

	// Exited is set once an exit status was collected, whatever its code.
	Exited   bool
	ExitCode int
	// ArtifactPresent reports whether Output existed when the run resolved.
	ArtifactPresent bool
	// ShortCircuited is set when the artifact was seen before the exit status
	// and the process was left to be reaped in the background.
	ShortCircuited bool
	Lines          int

	SpawnErr  error
	StreamErr error
	WaitErr   error
}

type Runner struct {
	cmd          Command
	pollInterval time.Duration
	logger       *log.Logger
	reapers      sync.WaitGroup
}

func New(cmd Command, pollInterval time.Duration, logger *log.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Runner{
		cmd:          cmd,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (r *Runner) Command() Command {
	return r.cmd
}

// Run spawns the upscaler for input/output and returns once a verdict is
// possible. The child is not tied to ctx and is never killed; ctx is only
// handed to onLine.
func (r *Runner) Run(ctx context.Context, input, output string, onLine LineFunc) Result {
	res := Result{
		Path:   r.cmd.Path,
		Args:   r.cmd.Args(input, output),
		Output: output,
	}

	cmd := exec.Command(res.Path, res.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.SpawnErr = newSpawnError(res.Path, err)
		return res
	}

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.SpawnErr = newSpawnError(res.Path, err)
		return res
	}

	res.Lines, err = drainLines(ctx, stdout, onLine)
	if err != nil {
		res.StreamErr = fmt.Errorf("%w: %w", ErrStreamRead, err)
		// Keep the pipe empty so the child cannot block on a full buffer.
		_, _ = io.Copy(io.Discard, stdout)
	}

	var detached atomic.Bool
	waitDone := make(chan error, 1)
	r.reapers.Add(1)
	go func() {
		defer r.reapers.Done()
		err := cmd.Wait()
		if detached.Load() {
			r.logReap(cmd, err)
		}
		waitDone <- err
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		if artifactExists(output) {
			detached.Store(true)
			res.ArtifactPresent = true
			res.ShortCircuited = true
			res.Stopped = time.Now().UTC()
			return res
		}

		select {
		case err := <-waitDone:
			res.Stopped = time.Now().UTC()
			r.collectExit(&res, err)
			res.ArtifactPresent = artifactExists(output)
			return res
		case <-ticker.C:
		}
	}
}

func (r *Runner) collectExit(res *Result, err error) {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Exited = true
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.Exited = true
		res.ExitCode = exitErr.ExitCode()
	default:
		res.WaitErr = fmt.Errorf("%w: %w", ErrWait, err)
	}
}

func (r *Runner) logReap(cmd *exec.Cmd, err error) {
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	if err != nil {
		r.logger.Printf("reaped upscaler pid=%d after artifact was ready err=%v", pid, err)
		return
	}
	r.logger.Printf("reaped upscaler pid=%d after artifact was ready", pid)
}

// Close waits for processes that are still being reaped in the background.
func (r *Runner) Close() {
	r.reapers.Wait()
}

// drainLines forwards each line of rd to onLine. Lines longer than
// maxLineBytes are cut; their remainder is read and dropped.
func drainLines(ctx context.Context, rd io.Reader, onLine LineFunc) (int, error) {
	br := bufio.NewReaderSize(rd, maxLineBytes)
	lines := 0
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, err
		}

		line := string(chunk)
		for isPrefix && err == nil {
			_, isPrefix, err = br.ReadLine()
		}

		lines++
		if onLine != nil {
			onLine(ctx, line)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, err
		}
	}
}

func artifactExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
