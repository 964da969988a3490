// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package watchdog implements spec §4.9: a sub-thread that periodically
// pings every other supervised sub-thread and force-exits the process
// on a hang or crash. It is itself a task.Task, the same thread
// primitive every other branch component runs on.
package watchdog

import (
	"os"
	"time"

	"github.com/celery/cyme/internal/logx"
	"github.com/celery/cyme/internal/task"
)

// DefaultInterval is the sleep between ping rounds (spec §4.9).
const DefaultInterval = 5 * time.Second

// DefaultPingTimeout is how long a single ping may take before it
// counts as a hang (spec §4.9).
const DefaultPingTimeout = 600 * time.Second

// Pinger is anything the watchdog can probe for liveness — every
// task.Task satisfies this via its Ping method.
type Pinger interface {
	Name() string
	Ping(timeout time.Duration) bool
}

// Config bundles the watchdog's tunables.
type Config struct {
	Interval    time.Duration
	PingTimeout time.Duration
	// Exit is called on a detected hang or crash; defaults to
	// os.Exit(1). Tests override it to observe the decision without
	// killing the test binary.
	Exit func()
}

// DefaultConfig returns spec §4.9's named defaults.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, PingTimeout: DefaultPingTimeout}
}

// Watchdog is the sub-thread of spec §4.9.
type Watchdog struct {
	cfg     Config
	targets []Pinger
	tk      *task.Task
}

// New builds a Watchdog that pings every target each interval.
func New(cfg Config, targets ...Pinger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.Exit == nil {
		cfg.Exit = func() { os.Exit(1) }
	}
	w := &Watchdog{cfg: cfg, targets: targets}
	w.tk = task.New("watchdog", w, nil)
	return w
}

// Task exposes the underlying cooperative task so the Branch can
// Start/Stop it uniformly with the Supervisor and Controllers.
func (w *Watchdog) Task() *task.Task { return w.tk }

func (w *Watchdog) Before() error { return nil }

func (w *Watchdog) After() error { return nil }

// Run loops: sleep interval, ping every target, force-exit on the
// first hang or crash found (spec §4.9: "on timeout or exception: log
// critical, force-exit the process").
func (w *Watchdog) Run(t *task.Task) error {
	log := logx.For("watchdog")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Done():
			return nil
		case ack := <-t.Pings():
			close(ack)
		case <-ticker.C:
			for _, target := range w.targets {
				if !target.Ping(w.cfg.PingTimeout) {
					log.Error().Str("target", target.Name()).Msg("sub-thread failed to respond, force-exiting")
					w.cfg.Exit()
					return nil
				}
			}
		}
	}
}
