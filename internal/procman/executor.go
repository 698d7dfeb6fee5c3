// Package procman spawns child processes with bounded concurrency and hard
// lifetime caps. Children run in their own process group so grandchildren
// are reaped with them; termination is graceful-then-forceful
// (SIGTERM, grace window, SIGKILL).
package procman

import (
	"container/list"
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danshapiro/ganaudit/internal/diag"
)

// Spec describes one child invocation.
type Spec struct {
	Argv            []string // Argv[0] is the executable path
	Dir             string
	Env             []string
	Timeout         time.Duration
	Grace           time.Duration // SIGTERM→SIGKILL window; 0 means DefaultGrace
	Stdin           string
	MaxCaptureBytes int64 // per-stream cap; 0 means DefaultMaxCaptureBytes
	TempFiles       []string
}

// Result is the outcome of one child invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

const (
	DefaultGrace           = 5 * time.Second
	DefaultMaxCaptureBytes = 10 << 20
)

type waiter struct {
	grant chan struct{}
	err   chan error
}

// Executor runs children under a semaphore. Excess Execute calls wait in
// FIFO order; waiters release their slot when their context is cancelled.
type Executor struct {
	maxConcurrent int
	logger        *log.Logger

	mu       sync.Mutex
	queue    *list.List // of *waiter
	running  int
	draining bool
	children map[int]*child

	active atomic.Int64
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func NewExecutor(maxConcurrent int, logger *log.Logger) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[procman] ", log.LstdFlags)
	}
	return &Executor{
		maxConcurrent: maxConcurrent,
		logger:        logger,
		queue:         list.New(),
		children:      map[int]*child{},
	}
}

// ActiveCount reports children currently running (queued waiters excluded).
func (e *Executor) ActiveCount() int {
	return int(e.active.Load())
}

// Execute spawns the child described by spec and waits for it to exit or be
// terminated. Spawn failure yields Diagnostic(process), deadline expiry
// Diagnostic(timeout), and a non-executable binary Diagnostic(permission).
func (e *Executor) Execute(ctx context.Context, spec Spec) (Result, error) {
	defer func() {
		for _, f := range spec.TempFiles {
			if strings.TrimSpace(f) != "" {
				_ = os.Remove(f)
			}
		}
	}()

	if err := e.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer e.release()

	return e.runChild(ctx, spec)
}

func (e *Executor) acquire(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return diag.New(diag.CategoryProcess, "shutting down")
	}
	if e.running < e.maxConcurrent {
		e.running++
		e.mu.Unlock()
		return nil
	}
	w := &waiter{grant: make(chan struct{}), err: make(chan error, 1)}
	elem := e.queue.PushBack(w)
	e.mu.Unlock()

	select {
	case <-w.grant:
		return nil
	case err := <-w.err:
		return err
	case <-ctx.Done():
		e.mu.Lock()
		// The grant may have raced the cancellation; if we already hold a
		// slot, keep it and let the caller's deadline surface downstream.
		select {
		case <-w.grant:
			e.mu.Unlock()
			return nil
		default:
		}
		e.queue.Remove(elem)
		e.mu.Unlock()
		return ctx.Err()
	}
}

func (e *Executor) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if front := e.queue.Front(); front != nil && !e.draining {
		w := e.queue.Remove(front).(*waiter)
		close(w.grant) // slot handed over, running count unchanged
		return
	}
	e.running--
}

func (e *Executor) runChild(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 || strings.TrimSpace(spec.Argv[0]) == "" {
		return Result{}, diag.New(diag.CategoryProcess, "empty command")
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	capBytes := spec.MaxCaptureBytes
	if capBytes <= 0 {
		capBytes = DefaultMaxCaptureBytes
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = strings.NewReader(spec.Stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	overflowed := make(chan struct{})
	var overflowOnce sync.Once
	onOverflow := func() {
		overflowOnce.Do(func() {
			close(overflowed)
			_ = killProcessGroup(cmd, syscall.SIGKILL)
		})
	}
	stdout := newBoundedBuffer(capBytes, onOverflow)
	stderr := newBoundedBuffer(capBytes, onOverflow)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
			return Result{}, diag.Newf(diag.CategoryPermission, "cannot execute %s: %v", spec.Argv[0], err)
		}
		return Result{}, diag.Newf(diag.CategoryProcess, "spawn %s: %v", spec.Argv[0], err)
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	e.mu.Lock()
	if e.draining {
		// TerminateAll ran between acquire and Start; reap immediately.
		e.mu.Unlock()
		_ = killProcessGroup(cmd, syscall.SIGKILL)
		_ = cmd.Wait()
		return Result{}, diag.New(diag.CategoryProcess, "shutting down")
	}
	e.children[cmd.Process.Pid] = c
	e.mu.Unlock()
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		e.mu.Lock()
		delete(e.children, cmd.Process.Pid)
		e.mu.Unlock()
		close(c.done)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	finish := func(waitErr error, timedOut bool) (Result, error) {
		res := Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Duration: time.Since(start),
			TimedOut: timedOut,
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		select {
		case <-overflowed:
			return res, diag.Newf(diag.CategoryProcess, "output exceeded capture limit of %d bytes", capBytes)
		default:
		}
		if timedOut {
			return res, diag.Newf(diag.CategoryTimeout, "deadline of %s exceeded; child terminated", spec.Timeout).
				WithSuggestions("raise audit.timeout_ms if the audit legitimately needs more time")
		}
		_ = waitErr // exit status is reported through ExitCode, not as an error
		return res, nil
	}

	select {
	case waitErr := <-waitCh:
		return finish(waitErr, false)
	case <-deadline:
		waitErr := e.terminate(cmd, waitCh, grace)
		return finish(waitErr, true)
	case <-ctx.Done():
		_ = e.terminate(cmd, waitCh, grace)
		return Result{Duration: time.Since(start), ExitCode: -1}, ctx.Err()
	}
}

// terminate walks the TERMINATING state machine: SIGTERM to the group, wait
// up to grace, then SIGKILL. It returns once the child has been reaped.
func (e *Executor) terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if err := killProcessGroup(cmd, syscall.SIGTERM); err != nil {
		e.logger.Printf("SIGTERM process group: %v", err)
	}
	if grace > 0 {
		select {
		case err := <-waitCh:
			return err
		case <-time.After(grace):
		}
	}
	if err := killProcessGroup(cmd, syscall.SIGKILL); err != nil {
		e.logger.Printf("SIGKILL process group: %v", err)
	}
	return <-waitCh
}

// TerminateAll stops every running child, cancels queued waiters with a
// shutdown diagnostic, and poisons the executor: subsequent Execute calls
// fail immediately.
func (e *Executor) TerminateAll(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	e.mu.Lock()
	e.draining = true
	for front := e.queue.Front(); front != nil; front = e.queue.Front() {
		w := e.queue.Remove(front).(*waiter)
		w.err <- diag.New(diag.CategoryProcess, "shutting down")
	}
	victims := make([]*child, 0, len(e.children))
	for _, c := range e.children {
		victims = append(victims, c)
	}
	e.mu.Unlock()

	for _, c := range victims {
		_ = killProcessGroup(c.cmd, syscall.SIGTERM)
	}
	deadline := time.After(grace)
	for _, c := range victims {
		select {
		case <-c.done:
		case <-deadline:
			_ = killProcessGroup(c.cmd, syscall.SIGKILL)
			<-c.done
		}
	}
}
