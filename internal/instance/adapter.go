// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package instance drives one worker process, spec §4.4. The teacher's
// BuildSlave (slave/slave.go) depends on an injected runners.Runner
// rather than hardcoding process mechanics; this adapter follows the
// same shape, depending on an injected ProcessManager and ControlClient
// so the reconciliation logic in internal/supervisor never talks to
// os/exec or the broker directly.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/celery/cyme/internal/logx"
	"github.com/celery/cyme/internal/store"
)

// ErrNoRoute is returned by a QueueResolver when a queue name does not
// resolve locally (spec §3 invariant: unresolved names are silently
// removed from the instance's set during reconciliation).
var ErrNoRoute = errors.New("instance: no route to queue")

// ProcessManager is the external process-manager collaborator spec §1
// places out of scope; the adapter only depends on this contract.
type ProcessManager interface {
	Start(ctx context.Context, inst *store.Instance, argv []string) error
	Stop(ctx context.Context, inst *store.Instance) error
	Restart(ctx context.Context, inst *store.Instance, argv []string) error
	// RespondsToSignal reports whether the process named by the
	// instance's pidfile is alive, per spec §4.4: pid-file readable AND
	// kill(pid, 0) succeeds. ESRCH is a clean "false"; any other errno
	// is surfaced as an error rather than silently treated as dead.
	RespondsToSignal(inst *store.Instance) (bool, error)
}

// ControlClient broadcasts worker control commands over the broker
// (spec §4.4, §6: ping/stats/active_queues/add_consumer/
// cancel_consumer/autoscale) and collects replies restricted to one
// instance's name.
type ControlClient interface {
	Broadcast(ctx context.Context, command string, args map[string]interface{}, instanceName string, timeout time.Duration) (map[string]json.RawMessage, error)
}

// QueueResolver resolves a queue name to its descriptor through the
// Queue actor/model store (spec §4.4 add_queue).
type QueueResolver interface {
	Resolve(name string) (*store.Queue, error)
}

const defaultBroadcastTimeout = 3 * time.Second

// Adapter is the public operations surface of spec §4.4 for one
// instance at a time; a single Adapter serves every Instance record,
// keyed by name for the per-process invocation mutex.
type Adapter struct {
	pm      ProcessManager
	control ControlClient
	queues  QueueResolver
	root    string

	mu       sync.Mutex
	procLock map[string]*sync.Mutex

	defaultArgs   []string
	defaultConfig []string
}

// New constructs an Adapter. defaultArgs/defaultConfig feed BuildArgv
// (spec §4.4).
func New(pm ProcessManager, control ControlClient, queues QueueResolver, root string, defaultArgs, defaultConfig []string) *Adapter {
	return &Adapter{
		pm:            pm,
		control:       control,
		queues:        queues,
		root:          root,
		procLock:      make(map[string]*sync.Mutex),
		defaultArgs:   defaultArgs,
		defaultConfig: defaultConfig,
	}
}

func (a *Adapter) lockFor(name string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.procLock[name]
	if !ok {
		l = &sync.Mutex{}
		a.procLock[name] = l
	}
	return l
}

func (a *Adapter) argv(app *store.App, inst *store.Instance) []string {
	return store.BuildArgv(a.defaultArgs, app, inst, a.defaultConfig)
}

// Start spawns the worker process, guarded by a per-instance mutex so
// start/stop/restart never interleave for the same process (spec §5).
func (a *Adapter) Start(ctx context.Context, app *store.App, inst *store.Instance) error {
	l := a.lockFor(inst.Name)
	l.Lock()
	defer l.Unlock()
	return a.pm.Start(ctx, inst, a.argv(app, inst))
}

func (a *Adapter) Stop(ctx context.Context, inst *store.Instance) error {
	l := a.lockFor(inst.Name)
	l.Lock()
	defer l.Unlock()
	return a.pm.Stop(ctx, inst)
}

func (a *Adapter) Restart(ctx context.Context, app *store.App, inst *store.Instance) error {
	l := a.lockFor(inst.Name)
	l.Lock()
	defer l.Unlock()
	return a.pm.Restart(ctx, inst, a.argv(app, inst))
}

// StopVerify stops the process and then confirms it is actually gone.
func (a *Adapter) StopVerify(ctx context.Context, inst *store.Instance) error {
	if err := a.Stop(ctx, inst); err != nil {
		return err
	}
	alive, err := a.pm.RespondsToSignal(inst)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("instance %s: still alive after stop", inst.Name)
	}
	return nil
}

// RespondsToSignal delegates to the process manager's pidfile/kill(0) probe.
func (a *Adapter) RespondsToSignal(inst *store.Instance) (bool, error) {
	return a.pm.RespondsToSignal(inst)
}

// RespondsToPing broadcasts a ping control command restricted to this
// instance's name; truthy iff any reply maps this instance (spec §4.4).
// A non-nil error means the broadcast itself failed (broker
// connectivity), distinct from a clean "nobody replied" timeout.
func (a *Adapter) RespondsToPing(ctx context.Context, inst *store.Instance, timeout time.Duration) (bool, error) {
	replies, err := a.control.Broadcast(ctx, "ping", nil, inst.Name, timeout)
	if err != nil {
		return false, err
	}
	_, ok := replies[inst.Name]
	return ok, nil
}

// Alive is true iff the process responds to its pidfile's signal AND
// acknowledges a broker ping (spec §4.4). The error return surfaces
// broker connectivity failures so callers (the Supervisor, via
// broker.InsuredCall) can retry and pause/resume accordingly.
func (a *Adapter) Alive(ctx context.Context, inst *store.Instance) (bool, error) {
	signals, err := a.RespondsToSignal(inst)
	if err != nil {
		logx.For("instance").Warn().Err(err).Str("instance", inst.Name).Msg("responds_to_signal errored")
		return false, nil
	}
	if !signals {
		return false, nil
	}
	return a.RespondsToPing(ctx, inst, defaultBroadcastTimeout)
}

// Stats broadcasts a stats control command and returns this instance's reply block.
func (a *Adapter) Stats(ctx context.Context, inst *store.Instance) (json.RawMessage, error) {
	replies, err := a.control.Broadcast(ctx, "stats", nil, inst.Name, defaultBroadcastTimeout)
	if err != nil {
		return nil, err
	}
	return replies[inst.Name], nil
}

// QueueDescriptor is what consuming_from reports about one actively
// consumed queue (spec §4.4).
type QueueDescriptor struct {
	Exchange     string `json:"exchange"`
	ExchangeType string `json:"exchange_type"`
	RoutingKey   string `json:"routing_key"`
}

// ConsumingFrom broadcasts active_queues and returns a map of
// queue-name to descriptor, empty (not nil-panicking) on no reply.
func (a *Adapter) ConsumingFrom(ctx context.Context, inst *store.Instance) (map[string]QueueDescriptor, error) {
	replies, err := a.control.Broadcast(ctx, "active_queues", nil, inst.Name, defaultBroadcastTimeout)
	if err != nil {
		return map[string]QueueDescriptor{}, err
	}
	raw, ok := replies[inst.Name]
	if !ok || len(raw) == 0 {
		return map[string]QueueDescriptor{}, nil
	}
	var out map[string]QueueDescriptor
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]QueueDescriptor{}, nil
	}
	if out == nil {
		out = map[string]QueueDescriptor{}
	}
	return out, nil
}

// AddQueue resolves queueName through the adapter's QueueResolver, then
// issues add_consumer. A name that does not resolve returns ErrNoRoute
// and leaves the instance record untouched; the Supervisor's queue
// reconciliation drops the name from the declared set and logs a
// warning (spec §4.4/§7).
func (a *Adapter) AddQueue(ctx context.Context, inst *store.Instance, queueName string) error {
	q, err := a.queues.Resolve(queueName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, queueName)
	}

	args := map[string]interface{}{
		"queue":         q.Name,
		"exchange":      nonEmpty(q.Exchange, q.Name),
		"exchange_type": nonEmpty(q.ExchangeType, "direct"),
		"routing_key":   nonEmpty(q.RoutingKey, q.Name),
	}
	_, err = a.control.Broadcast(ctx, "add_consumer", args, inst.Name, defaultBroadcastTimeout)
	return err
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// CancelQueue issues cancel_consumer for queueName.
func (a *Adapter) CancelQueue(ctx context.Context, inst *store.Instance, queueName string) error {
	_, err := a.control.Broadcast(ctx, "cancel_consumer", map[string]interface{}{"queue": queueName}, inst.Name, defaultBroadcastTimeout)
	return err
}

// Autoscale issues the autoscale control command with the new bounds.
func (a *Adapter) Autoscale(ctx context.Context, inst *store.Instance, max, min int) error {
	_, err := a.control.Broadcast(ctx, "autoscale", map[string]interface{}{"max": max, "min": min}, inst.Name, defaultBroadcastTimeout)
	return err
}

// AutoscaleReport is the worker's self-reported autoscaler state,
// consulted by the Supervisor's _verify_instance_processes (spec §4.5).
type AutoscaleReport struct {
	Max int `json:"max"`
	Min int `json:"min"`
}

// Autoscaler reads the worker's current autoscaler report. A missing
// max/min key is "unknown" and reported via ok=false, not an error
// (spec §4.5: "TypeError/KeyError on missing keys means unknown and is
// skipped silently").
func (a *Adapter) Autoscaler(ctx context.Context, inst *store.Instance) (report AutoscaleReport, ok bool) {
	raw, err := a.Stats(ctx, inst)
	if err != nil || len(raw) == 0 {
		return AutoscaleReport{}, false
	}
	var wrapper struct {
		Autoscaler *AutoscaleReport `json:"autoscaler"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Autoscaler == nil {
		return AutoscaleReport{}, false
	}
	return *wrapper.Autoscaler, true
}
