// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package branch implements spec §4.8: the composition of one
// Supervisor, N Controllers and an optional HTTP server into a single
// process, with readiness aggregation and ordered, best-effort
// shutdown.
package branch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celery/cyme/internal/logx"
)

// HTTPServer is the minimal contract internal/httpapi's server
// satisfies; kept here rather than importing internal/httpapi directly
// to avoid a cycle (httpapi depends on controller/store, not branch).
type HTTPServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// component is one sub-thread the Branch supervises uniformly,
// regardless of whether it is backed by a task.Task (Supervisor,
// Controller, Watchdog) or a plain HTTP server.
type component struct {
	name  string
	ready <-chan struct{} // nil means "ready as soon as start() returns"
	start func() error
	stop  func(timeout time.Duration) error
}

// Config bundles the branch-level tunables spec §6 names.
type Config struct {
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{ShutdownTimeout: 30 * time.Second}
}

// Branch composes the branch process (spec §4.8). Components are
// registered in start order via AddTask/AddHTTPServer;
// Shutdown tears them down in reverse.
type Branch struct {
	ID    string
	Short string
	cfg   Config

	mu         sync.Mutex
	components []component

	readyMu sync.Mutex
	readyOf map[string]bool

	readyOnce sync.Once
	readyCh   chan struct{}
	exitCh    chan struct{}
}

// New allocates a Branch with a fresh UUID identity (spec §4.8:
// "Branches are identified by a UUID with a short prefix used in
// logs").
func New(cfg Config) *Branch {
	if cfg.ShutdownTimeout <= 0 {
		cfg = DefaultConfig()
	}
	id := uuid.NewString()
	b := &Branch{
		ID:      id,
		Short:   id[:8],
		cfg:     cfg,
		readyOf: make(map[string]bool),
		readyCh: make(chan struct{}),
		exitCh:  make(chan struct{}),
	}
	return b
}

// taskComponent is satisfied by task.Task (and by anything exposing the
// same three methods), letting AddTask stay decoupled from the task
// package's concrete type if a future component wraps it differently.
type taskComponent interface {
	Name() string
	Start() error
	Stop(join bool, timeout time.Duration) error
}

// AddTask registers a task.Task-backed component. ready, if non-nil, is
// closed once the component's own readiness condition is met (e.g. a
// Controller's controller_ready); nil means "ready once Start returns".
func (b *Branch) AddTask(t taskComponent, ready <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.components = append(b.components, component{
		name:  t.Name(),
		ready: ready,
		start: t.Start,
		stop:  func(timeout time.Duration) error { return t.Stop(true, timeout) },
	})
	b.readyOf[t.Name()] = false
}

// AddHTTPServer appends the optional HTTP server to the components
// registered so far (spec §4.8: "N Controllers, and an optional HTTP server").
func (b *Branch) AddHTTPServer(name string, srv HTTPServer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.components = append(b.components, component{
		name:  name,
		start: srv.Start,
		stop: func(timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return srv.Stop(ctx)
		},
	})
	b.readyOf[name] = false
}

// Ready is closed once every registered component has reported ready
// (spec §4.8: "when all become true, emit branch_ready").
func (b *Branch) Ready() <-chan struct{} { return b.readyCh }

// Exit is closed when Shutdown is called; callers block on it to know
// when the branch process should terminate.
func (b *Branch) Exit() <-chan struct{} { return b.exitCh }

// Start spawns every registered component in order and, if readyEvent
// is non-nil, closes it once the branch becomes fully ready.
func (b *Branch) Start(readyEvent chan struct{}) error {
	log := logx.For("branch").With().Str("branch", b.Short).Logger()

	b.mu.Lock()
	components := append([]component(nil), b.components...)
	b.mu.Unlock()

	for _, c := range components {
		if err := c.start(); err != nil {
			return err
		}
		go b.trackReady(c, readyEvent)
	}
	log.Info().Msg("branch components started")
	return nil
}

func (b *Branch) trackReady(c component, readyEvent chan struct{}) {
	if c.ready != nil {
		<-c.ready
	}
	b.readyMu.Lock()
	b.readyOf[c.name] = true
	allReady := true
	for _, ready := range b.readyOf {
		if !ready {
			allReady = false
			break
		}
	}
	b.readyMu.Unlock()

	if allReady {
		b.readyOnce.Do(func() {
			close(b.readyCh)
			logx.For("branch").Info().Str("branch", b.Short).Msg("branch_ready")
			if readyEvent != nil {
				close(readyEvent)
			}
		})
	}
}

// Shutdown tears down every component in reverse start order. A
// component error is logged and shutdown continues with the rest
// (spec §4.8: "log other errors but continue").
func (b *Branch) Shutdown() {
	log := logx.For("branch").With().Str("branch", b.Short).Logger()

	b.mu.Lock()
	select {
	case <-b.exitCh:
		b.mu.Unlock()
		return // already shutting down
	default:
		close(b.exitCh)
	}
	components := append([]component(nil), b.components...)
	b.mu.Unlock()

	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.stop(b.cfg.ShutdownTimeout); err != nil {
			log.Error().Err(err).Str("component", c.name).Msg("component shutdown error")
		}
	}
	log.Info().Msg("branch shutdown complete")
}
