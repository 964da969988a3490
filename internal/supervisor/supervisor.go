// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package supervisor implements the branch's reconciliation loop, spec
// §4.5: one cooperatively-scheduled task with a mailbox, diffing
// declared configuration against live worker state and driving the
// Instance adapter to correct drift. Structurally it is the same
// Implementation-interface-plus-termCh pattern as the teacher's
// meekod/supervisor.Supervisor, generalised from "agents on a host"
// to "instances on a branch" and widened with the mailbox/batch model
// spec §4.5 requires.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/celery/cyme/internal/broker"
	"github.com/celery/cyme/internal/instance"
	"github.com/celery/cyme/internal/logx"
	"github.com/celery/cyme/internal/store"
	"github.com/celery/cyme/internal/task"
)

// kind identifies which action a mailbox request carries.
type kind int

const (
	kindVerify kind = iota
	kindRestart
	kindShutdown
)

type request struct {
	instances  []store.Instance
	kind       kind
	ratelimit  bool
	completion *Completion
}

// Config bundles the tunables spec §4.5/§6 names.
type Config struct {
	Interval               time.Duration
	RestartMaxRatePerSec   float64 // e.g. 1/60 for "1/m"
	RestartBucketCapacity  float64
	WaitAfterBrokerRevived time.Duration
	PingSchedule           []time.Duration // spec §9 open question (a): exposed, not hardcoded
	InsuredConfig          broker.InsuredConfig
}

// DefaultPingSchedule is the {0.1, 0.5, 0.9, ...} geometric/linear ramp
// spec §4.5 describes for the post-restart ping probe, capped at 1.0s
// per probe and 30 probes total.
func DefaultPingSchedule() []time.Duration {
	sched := make([]time.Duration, 0, 30)
	for i := 0; i < 30; i++ {
		d := 100*time.Millisecond + time.Duration(i)*400*time.Millisecond
		if d > time.Second {
			d = time.Second
		}
		sched = append(sched, d)
	}
	return sched
}

// DefaultConfig returns spec §6's named defaults.
func DefaultConfig() Config {
	return Config{
		Interval:               60 * time.Second,
		RestartMaxRatePerSec:   1.0 / 60.0,
		RestartBucketCapacity:  1,
		WaitAfterBrokerRevived: 35 * time.Second,
		PingSchedule:           DefaultPingSchedule(),
		InsuredConfig:          broker.DefaultInsuredConfig(),
	}
}

// instanceAdapter is the slice of *instance.Adapter the Supervisor
// depends on, narrowed to an interface so tests can substitute fakes
// without standing up a real broker and process manager.
type instanceAdapter interface {
	Alive(ctx context.Context, inst *store.Instance) (bool, error)
	ConsumingFrom(ctx context.Context, inst *store.Instance) (map[string]instance.QueueDescriptor, error)
	AddQueue(ctx context.Context, inst *store.Instance, queueName string) error
	CancelQueue(ctx context.Context, inst *store.Instance, queueName string) error
	Autoscaler(ctx context.Context, inst *store.Instance) (instance.AutoscaleReport, bool)
	Autoscale(ctx context.Context, inst *store.Instance, max, min int) error
	Restart(ctx context.Context, app *store.App, inst *store.Instance) error
	RespondsToPing(ctx context.Context, inst *store.Instance, timeout time.Duration) (bool, error)
	Stop(ctx context.Context, inst *store.Instance) error
	Stats(ctx context.Context, inst *store.Instance) (json.RawMessage, error)
}

// Supervisor is the reconciling state machine of spec §4.5.
type Supervisor struct {
	cfg     Config
	store   *store.Store
	adapter instanceAdapter
	brk     *broker.Broker

	mailbox chan request

	mu          sync.Mutex
	paused      bool
	revivedAt   time.Time
	everRevived bool

	bucketsMu sync.Mutex
	buckets   map[string]*tokenBucket

	tk *task.Task
}

// New constructs a Supervisor. It registers itself as a
// broker.ReviveObserver for brk so outage/revival drives pause/resume.
func New(cfg Config, st *store.Store, adapter instanceAdapter, brk *broker.Broker) *Supervisor {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	s := &Supervisor{
		cfg:     cfg,
		store:   st,
		adapter: adapter,
		brk:     brk,
		mailbox: make(chan request, 256),
		buckets: make(map[string]*tokenBucket),
	}
	broker.Observe(brk, s)
	s.tk = task.New("supervisor", s, nil)
	return s
}

// Task exposes the underlying cooperative task so the Branch can
// Start/Stop/Ping it uniformly with Controllers and the watchdog.
func (s *Supervisor) Task() *task.Task { return s.tk }

// --- task.Runnable ----------------------------------------------------

func (s *Supervisor) Before() error { return nil }

func (s *Supervisor) After() error { return nil }

func (s *Supervisor) Run(t *task.Task) error {
	log := logx.For("supervisor")
	t.StartPeriodicTimer(s.cfg.Interval, func() {
		instances, err := s.store.Instances.All()
		if err != nil {
			log.Error().Err(err).Msg("periodic verify: failed to list instances")
			return
		}
		s.Verify(instances, true)
	})

	for {
		select {
		case <-t.Done():
			return nil
		case ack := <-t.Pings():
			close(ack)
		case req := <-s.mailbox:
			s.processRequest(context.Background(), req)
		}
	}
}

func (s *Supervisor) processRequest(ctx context.Context, req request) {
	log := logx.For("supervisor")
	for i := range req.instances {
		inst := req.instances[i]
		var err error
		switch req.kind {
		case kindVerify:
			err = s.doVerifyInstance(ctx, &inst, req.ratelimit)
		case kindRestart:
			err = s.doRestartInstance(ctx, &inst, req.ratelimit)
		case kindShutdown:
			err = s.doStopInstance(ctx, &inst)
		}
		if err != nil {
			// Per-instance failures never abort the batch (spec §4.5,
			// §7 propagation policy).
			log.Error().Err(err).Str("instance", inst.Name).Msg("supervisor action failed")
		}
	}
	req.completion.signal()
}

// --- public handles -----------------------------------------------------

func (s *Supervisor) enqueue(instances []store.Instance, k kind, ratelimit bool) *Completion {
	c := newCompletion()
	s.mailbox <- request{instances: instances, kind: k, ratelimit: ratelimit, completion: c}
	return c
}

// Verify enqueues a verify pass over instances.
func (s *Supervisor) Verify(instances []store.Instance, ratelimit bool) *Completion {
	return s.enqueue(instances, kindVerify, ratelimit)
}

// Restart enqueues an explicit restart, permitted even while paused
// (spec §4.5).
func (s *Supervisor) Restart(instances []store.Instance) *Completion {
	return s.enqueue(instances, kindRestart, false)
}

// Shutdown enqueues a stop, permitted even while paused.
func (s *Supervisor) Shutdown(instances []store.Instance) *Completion {
	return s.enqueue(instances, kindShutdown, false)
}

// --- pause/resume (broker.ReviveObserver) --------------------------------

// BrokerUnavailable implements broker.ReviveObserver: pause on outage.
func (s *Supervisor) BrokerUnavailable(url string, err error) {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = true
	s.mu.Unlock()
	if !wasPaused {
		logx.For("supervisor").Warn().Err(err).Str("broker", url).Msg("broker unavailable, pausing")
	}
}

// BrokerRevived implements broker.ReviveObserver: resume on revival,
// recording the revival time for the restart-cooldown check.
func (s *Supervisor) BrokerRevived(url string) {
	s.mu.Lock()
	s.paused = false
	s.revivedAt = time.Now()
	s.everRevived = true
	s.mu.Unlock()
	logx.For("supervisor").Info().Str("broker", url).Msg("broker revived, resuming")
}

// Stats returns the live worker's self-reported stats block, used by
// the HTTP layer's GET /APP/instances/:name/stats (spec §6).
func (s *Supervisor) Stats(ctx context.Context, inst *store.Instance) (json.RawMessage, error) {
	return s.adapter.Stats(ctx, inst)
}

func (s *Supervisor) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Supervisor) timeSinceRevived() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.everRevived {
		return 0, false
	}
	return time.Since(s.revivedAt), true
}

// --- reconciliation actions ----------------------------------------------

func (s *Supervisor) insuredAlive(ctx context.Context, inst *store.Instance) (bool, error) {
	var alive bool
	err := broker.InsuredCall(ctx, s.brk, s.cfg.InsuredConfig, func() error {
		a, aerr := s.adapter.Alive(ctx, inst)
		alive = a
		return aerr
	})
	return alive, err
}

// doVerifyInstance implements spec §4.5's _do_verify_instance.
func (s *Supervisor) doVerifyInstance(ctx context.Context, inst *store.Instance, ratelimit bool) error {
	if s.isPaused() {
		return nil
	}

	current, err := s.store.Instances.Get(inst.Name)
	exists := true
	if errors.Is(err, store.ErrNotFound) {
		exists = false
		current = inst
	} else if err != nil {
		return err
	}

	if exists && current.IsEnabled {
		alive, err := s.insuredAlive(ctx, current)
		if err != nil {
			return err
		}
		if !alive {
			s.doRestartInstance(ctx, current, ratelimit)
		}
		s.verifyInstanceProcesses(ctx, current)
		s.verifyInstanceQueues(ctx, current)
		return nil
	}

	alive, err := s.insuredAlive(ctx, current)
	if err != nil {
		return err
	}
	if alive {
		return s.doStopInstance(ctx, current)
	}
	return nil
}

// verifyInstanceQueues implements spec §4.5's _verify_instance_queues.
func (s *Supervisor) verifyInstanceQueues(ctx context.Context, inst *store.Instance) {
	log := logx.For("supervisor")
	declared := inst.QueueSet()
	actual, err := s.adapter.ConsumingFrom(ctx, inst)
	if err != nil {
		log.Warn().Err(err).Str("instance", inst.Name).Msg("consuming_from failed")
		return
	}

	for name := range declared {
		if _, ok := actual[name]; !ok {
			if err := s.adapter.AddQueue(ctx, inst, name); err != nil {
				if errors.Is(err, instance.ErrNoRoute) {
					log.Warn().Str("instance", inst.Name).Str("queue", name).Msg("unresolved queue, dropping from instance")
					s.store.Instances.RemoveQueue(inst, name)
					continue
				}
				log.Error().Err(err).Str("instance", inst.Name).Str("queue", name).Msg("add_queue failed")
			}
		}
	}

	directQueue := inst.DirectQueue()
	for name := range actual {
		if declared[name] {
			continue
		}
		if name == directQueue {
			continue // always-on, spec §4.5
		}
		if err := s.adapter.CancelQueue(ctx, inst, name); err != nil {
			log.Error().Err(err).Str("instance", inst.Name).Str("queue", name).Msg("cancel_queue failed")
		}
	}
}

// verifyInstanceProcesses implements spec §4.5's
// _verify_instance_processes.
func (s *Supervisor) verifyInstanceProcesses(ctx context.Context, inst *store.Instance) {
	report, ok := s.adapter.Autoscaler(ctx, inst)
	if !ok {
		return // unknown, skipped silently per spec §4.5
	}
	if report.Max != inst.MaxConcurrency || report.Min != inst.MinConcurrency {
		if err := s.adapter.Autoscale(ctx, inst, inst.MaxConcurrency, inst.MinConcurrency); err != nil {
			logx.For("supervisor").Error().Err(err).Str("instance", inst.Name).Msg("autoscale failed")
		}
	}
}

func (s *Supervisor) bucketFor(name string) *tokenBucket {
	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = newTokenBucket(s.cfg.RestartBucketCapacity, s.cfg.RestartMaxRatePerSec)
		s.buckets[name] = b
	}
	return b
}

func (s *Supervisor) evictBucket(name string) {
	s.bucketsMu.Lock()
	delete(s.buckets, name)
	s.bucketsMu.Unlock()
}

// doRestartInstance implements spec §4.5's _do_restart_instance,
// including the token-bucket rate limit and broker-revival cooldown.
func (s *Supervisor) doRestartInstance(ctx context.Context, inst *store.Instance, ratelimit bool) error {
	log := logx.For("supervisor")

	if ratelimit {
		if since, everRevived := s.timeSinceRevived(); everRevived && since <= s.cfg.WaitAfterBrokerRevived {
			log.Info().Str("instance", inst.Name).Msg("restart deferred, broker revived too recently")
			return nil
		}
		bucket := s.bucketFor(inst.Name)
		if !bucket.take() {
			s.evictBucket(inst.Name)
			log.Error().Str("instance", inst.Name).Msg("restart storm detected, disabling instance")
			if err := s.store.Instances.Disable(inst); err != nil {
				return fmt.Errorf("disable after restart storm: %w", err)
			}
			return nil
		}
	} else {
		s.evictBucket(inst.Name)
	}

	app, err := s.appFor(inst)
	if err != nil {
		return err
	}
	if err := s.adapter.Restart(ctx, app, inst); err != nil {
		log.Error().Err(err).Str("instance", inst.Name).Msg("restart failed")
		return nil
	}

	for _, d := range s.cfg.PingSchedule {
		ok, _ := s.adapter.RespondsToPing(ctx, inst, d)
		if ok {
			log.Info().Str("instance", inst.Name).Msg("restart verified alive")
			return nil
		}
	}
	log.Warn().Str("instance", inst.Name).Msg("restart did not verify alive within ping schedule")
	return nil
}

func (s *Supervisor) appFor(inst *store.Instance) (*store.App, error) {
	apps, err := s.store.Apps.Filter("id = ?", inst.AppID)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return s.store.Apps.GetDefault()
	}
	return &apps[0], nil
}

// doStopInstance implements spec §4.5's _do_stop_instance.
func (s *Supervisor) doStopInstance(ctx context.Context, inst *store.Instance) error {
	return s.adapter.Stop(ctx, inst)
}
