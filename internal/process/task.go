package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/aristath/procedures/internal/scheduler"
)

// Spec describes the command a Task runs.
type Spec struct {
	Path string
	Args []string
	Dir  string   // Working directory; empty means the current one
	Env  []string // Extra KEY=value entries appended to the environment
}

func (s Spec) String() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// OutputFunc receives each line written by a running command. stream is
// "stdout" or "stderr".
type OutputFunc func(stream, line string)

// ExitError reports a command that ran and exited unsuccessfully.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
}

// Option configures a Task.
type Option func(*Task)

// WithManager tracks the running process in m.
func WithManager(m *Manager) Option {
	return func(t *Task) { t.manager = m }
}

// WithOutput streams output lines to fn as they are read.
func WithOutput(fn OutputFunc) Option {
	return func(t *Task) { t.output = fn }
}

// Task is a scheduler task whose body runs an external command. A non-zero
// exit finishes the task with an ExitError; cancelling the task kills the
// command's process group.
type Task struct {
	*scheduler.Task

	spec    Spec
	manager *Manager
	output  OutputFunc

	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	exitCode int
}

// NewTask creates a task running spec.
func NewTask(name string, spec Spec, opts ...Option) *Task {
	t := &Task{spec: spec, exitCode: -1}
	for _, opt := range opts {
		opt(t)
	}
	t.Task = scheduler.NewTask(name, t.run)
	return t
}

// Spec returns the command the task runs.
func (t *Task) Spec() Spec { return t.spec }

// Stdout returns everything the command wrote to stdout so far.
func (t *Task) Stdout() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdout.String()
}

// Stderr returns everything the command wrote to stderr so far.
func (t *Task) Stderr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stderr.String()
}

// ExitCode returns the command's exit code, or -1 if it has not exited or
// was killed.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

func (t *Task) run(ctx context.Context, task *scheduler.Task) {
	task.Finish(t.execute(ctx))
}

// execute starts the command, streams both pipes concurrently, and waits for
// it. Both pipes are drained before Wait so large output cannot deadlock.
func (t *Task) execute(ctx context.Context) error {
	cmd := newCommand(ctx, t.spec)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.spec, err)
	}
	if t.manager != nil {
		t.manager.Track(cmd)
		defer t.manager.Untrack(cmd)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.scan("stdout", stdoutPipe, &t.stdout)
	}()
	go func() {
		defer wg.Done()
		t.scan("stderr", stderrPipe, &t.stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	t.mu.Lock()
	if cmd.ProcessState != nil {
		t.exitCode = cmd.ProcessState.ExitCode()
	}
	stderr := strings.TrimSpace(t.stderr.String())
	t.mu.Unlock()

	if waitErr == nil {
		return nil
	}
	// Cancellation is already recorded on the task
	if t.IsCancelled() {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Command: t.spec.String(), Code: exitErr.ExitCode(), Stderr: stderr}
	}
	return fmt.Errorf("%s: %w", t.spec, waitErr)
}

func (t *Task) scan(stream string, r io.Reader, buf *bytes.Buffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		t.mu.Lock()
		buf.WriteString(line)
		buf.WriteByte('\n')
		t.mu.Unlock()

		if t.output != nil {
			t.output(stream, line)
		}
	}
	// Drain whatever is left, e.g. after an over-long line. Readers of
	// Stdout and Stderr are only blocked for the final append.
	var rest bytes.Buffer
	io.Copy(&rest, r)
	t.mu.Lock()
	buf.Write(rest.Bytes())
	t.mu.Unlock()
}
