// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package task implements the cooperatively-scheduled task primitive
// every branch sub-component (Supervisor, Controller, Watchdog) is
// built on top of: before/run/after lifecycle, ping/join, periodic
// timers, and fatal-on-panic semantics. It is the Go rendering of the
// teacher's termCh/termAckCh handshake in meekod/supervisor, widened
// with a mailbox-style ping channel.
package task

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/celery/cyme/internal/logx"
)

// ErrAlreadyStarted is returned by Start when called more than once.
var ErrAlreadyStarted = errors.New("task: already started")

// Signal names passed to the lifecycle callback given to New. The
// Branch installs no such callback; it tracks readiness through the
// ready channels passed to AddTask.
type Signal int

const (
	SignalPreStart Signal = iota
	SignalPostStart
	SignalPreJoin
	SignalPostJoin
	SignalPreShutdown
	SignalPostShutdown
	SignalShutdownStep
	SignalExit
)

// Runnable is implemented by anything that can be scheduled as a Task.
type Runnable interface {
	// Before runs synchronously inside Start, before Run is scheduled.
	Before() error
	// Run is the task's main body. It must observe Done() and return
	// promptly when it closes. A panic here is fatal to the process.
	Run(t *Task) error
	// After runs during Stop. When Stop joins, it runs once Run has
	// returned or the join has timed out; otherwise it runs at once.
	After() error
}

// Task is one cooperatively-scheduled unit of work running on its own
// goroutine, matching spec §4.1's thread primitive.
type Task struct {
	name string
	impl Runnable

	started bool
	mu      sync.Mutex

	doneCh chan struct{} // closed by Stop to tell Run to wind down
	exitCh chan struct{} // closed exactly once when Run has returned

	pingCh chan chan struct{}

	timersMu sync.Mutex
	timers   []*periodicTimer

	lifecycle func(Signal)

	runErr error
}

type periodicTimer struct {
	ticker *time.Ticker
	stopCh chan struct{}
}

// New creates a Task named name running impl. lifecycle, if non-nil, is
// invoked (from the caller's goroutine where documented) for every
// Signal the task passes through.
func New(name string, impl Runnable, lifecycle func(Signal)) *Task {
	return &Task{
		name:      name,
		impl:      impl,
		doneCh:    make(chan struct{}),
		exitCh:    make(chan struct{}),
		pingCh:    make(chan chan struct{}),
		lifecycle: lifecycle,
	}
}

func (t *Task) signal(s Signal) {
	if t.lifecycle != nil {
		t.lifecycle(s)
	}
}

// Start runs Before synchronously and then launches Run on a new
// goroutine. A second call returns ErrAlreadyStarted.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	t.signal(SignalPreStart)
	if err := t.impl.Before(); err != nil {
		return fmt.Errorf("task %s: before: %w", t.name, err)
	}

	go t.runLoop()
	t.signal(SignalPostStart)
	return nil
}

func (t *Task) runLoop() {
	log := logx.For("task." + t.name)
	defer func() {
		if r := recover(); r != nil {
			// An unhandled panic inside Run is fatal: the thread
			// primitive gives no in-process recovery (spec §4.1, §7
			// ThreadCrash).
			log.Error().Interface("panic", r).Msg("fatal panic in task run loop, exiting process")
			close(t.exitCh)
			os.Exit(1)
		}
	}()

	err := t.impl.Run(t)
	t.runErr = err
	if err != nil {
		log.Error().Err(err).Msg("fatal error in task run loop, exiting process")
		close(t.exitCh)
		os.Exit(1)
	}
	t.signal(SignalExit)
	close(t.exitCh)
}

// Done returns a channel that is closed once Stop has been requested;
// Run implementations select on it to know when to wind down.
func (t *Task) Done() <-chan struct{} {
	return t.doneCh
}

// Pings returns the channel Run must service: whenever a value arrives
// the run loop must immediately close the enclosed channel to
// acknowledge liveness, the same one-shot mailbox round-trip spec §4.1
// describes for ping().
func (t *Task) Pings() <-chan chan struct{} {
	return t.pingCh
}

// Ping round-trips a liveness probe through the task's run loop and
// reports whether it acknowledged within timeout.
func (t *Task) Ping(timeout time.Duration) bool {
	ack := make(chan struct{})
	select {
	case t.pingCh <- ack:
	case <-time.After(timeout):
		return false
	case <-t.exitCh:
		return false
	}
	select {
	case <-ack:
		return true
	case <-time.After(timeout):
		return false
	case <-t.exitCh:
		return false
	}
}

// StartPeriodicTimer registers a timer that calls fn every interval
// until Stop is called. Timers are tracked so Stop can cancel all of
// them deterministically.
func (t *Task) StartPeriodicTimer(interval time.Duration, fn func()) {
	pt := &periodicTimer{
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
	}
	t.timersMu.Lock()
	t.timers = append(t.timers, pt)
	t.timersMu.Unlock()

	go func() {
		for {
			select {
			case <-pt.ticker.C:
				fn()
			case <-pt.stopCh:
				pt.ticker.Stop()
				return
			}
		}
	}()
}

func (t *Task) cancelTimers() {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	for _, pt := range t.timers {
		close(pt.stopCh)
	}
	t.timers = nil
}

// Stop cancels all periodic timers, signals Run to wind down via
// Done(), optionally joins within timeout, and then runs After.
func (t *Task) Stop(join bool, timeout time.Duration) error {
	t.signal(SignalPreShutdown)
	t.mu.Lock()
	select {
	case <-t.doneCh:
		// already stopping/stopped
	default:
		close(t.doneCh)
	}
	t.mu.Unlock()

	t.cancelTimers()

	var joinErr error
	if join {
		joinErr = t.Join(timeout)
	}

	if err := t.impl.After(); err != nil {
		logx.For("task." + t.name).Warn().Err(err).Msg("after hook returned error")
	}

	t.signal(SignalPostShutdown)
	return joinErr
}

// ErrJoinTimeout is returned by Join when the task does not exit
// within the requested timeout. Branch.Shutdown logs it and goes on
// stopping the remaining components.
var ErrJoinTimeout = errors.New("task: join timed out")

// Join blocks until the run loop has exited or timeout elapses.
func (t *Task) Join(timeout time.Duration) error {
	t.signal(SignalPreJoin)
	defer t.signal(SignalPostJoin)
	if timeout <= 0 {
		<-t.exitCh
		return nil
	}
	select {
	case <-t.exitCh:
		return nil
	case <-time.After(timeout):
		return ErrJoinTimeout
	}
}

// ShutdownStep is called by a Run implementation to report a shutdown
// milestone as SignalShutdownStep on the lifecycle callback.
func (t *Task) ShutdownStep() {
	t.signal(SignalShutdownStep)
}

// Name returns the task's identifying name, used in logs.
func (t *Task) Name() string { return t.name }
