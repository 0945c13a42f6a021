package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var ErrNotStarted = errors.New("command not started")

// tailLines is how many output lines a Result keeps for error messages.
const tailLines = 8

// killDelay is how long an interrupted command may run before it is killed.
const killDelay = 10 * time.Second

// LineFunc receives stdout and stderr of a command line by line. A carriage
// return ends a line too, as progress meters rewrite their line with it.
type LineFunc func(ctx context.Context, line string)

// Runner runs one external program at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Tail    []string
	Err     error
}

// Start runs the process. It returns ErrBusy when another process is active
// or an exec error. It does NOT wait for the command to finish, use WaitChan.
// The lines of both output streams are passed to lineFunc, which is never
// called once the result is delivered.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrBusy
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	r.cancelFunc = nil
	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	// interrupt first, kill after WaitDelay
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killDelay
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		r.stopLocked(err)
		return err
	}
	r.cmd = cmd

	tail := newTail(tailLines)
	var readers sync.WaitGroup
	for _, out := range []io.Reader{stdoutR, stderrR} {
		readers.Go(func() {
			r.processLines(ctx, out, func(ctx context.Context, line string) {
				tail.add(line)
				if lineFunc != nil {
					lineFunc(ctx, line)
				}
			})
		})
	}
	closeWriters := func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}
	go r.wait(cmd, closeWriters, &readers, tail)
	return nil
}

func (r *Runner) stopLocked(err error) {
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.result.Stopped = time.Now().UTC()
	r.result.Err = err
}

func (r *Runner) processLines(ctx context.Context, out io.Reader, lineFunc LineFunc) {
	scanner := bufio.NewScanner(out)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := string(bytes.TrimSpace(scanner.Bytes()))
		if line == "" {
			continue
		}
		lineFunc(ctx, line)
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing command output", "error", err)
	}
	// keep the writer unblocked after a scanner failure
	_, _ = io.Copy(io.Discard, out)
}

func (r *Runner) wait(cmd *exec.Cmd, closeWriters func(), readers *sync.WaitGroup, tail *lineTail) {
	// Wait returns once the output is copied, or after WaitDelay when a
	// child process keeps the output open
	err := cmd.Wait()
	closeWriters()
	readers.Wait()

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.result.Stopped = time.Now().UTC()
	r.result.State = cmd.ProcessState
	r.result.Tail = tail.lines()
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. When nothing runs, the
// last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Result returns a last command result or result with ErrNotStarted if
// nothing have been executed yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Run starts the command and waits for it.
func (r *Runner) Run(ctx context.Context, proto Command, lineFunc LineFunc) (Result, error) {
	if err := r.Start(ctx, proto, lineFunc); err != nil {
		return r.Result(), err
	}
	res := <-r.WaitChan()
	return res, res.Err
}

func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type lineTail struct {
	mx  sync.Mutex
	max int
	buf []string
}

func newTail(n int) *lineTail {
	return &lineTail{max: n}
}

func (t *lineTail) add(line string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *lineTail) lines() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return append([]string(nil), t.buf...)
}
