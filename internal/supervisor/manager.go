// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/celery/cyme/internal/instance"
	"github.com/celery/cyme/internal/store"
)

// LocalInstanceManager is the RPC-facing facade of spec §4.5: every
// model mutation is paired with the corresponding reconciliation as a
// single named call, with an async/sync switch (sync blocks on the
// completion handle).
type LocalInstanceManager struct {
	store *store.Store
	sup   *Supervisor
	// SyncTimeout bounds how long a sync call waits on the completion
	// handle before giving up (still lets the batch run to completion
	// in the background).
	SyncTimeout time.Duration
}

// NewLocalInstanceManager builds the facade bound to st and sup.
func NewLocalInstanceManager(st *store.Store, sup *Supervisor) *LocalInstanceManager {
	return &LocalInstanceManager{store: st, sup: sup, SyncTimeout: 30 * time.Second}
}

func (m *LocalInstanceManager) verifyOne(inst store.Instance, sync bool) {
	c := m.sup.Verify([]store.Instance{inst}, true)
	if sync {
		c.Wait(m.SyncTimeout)
	}
}

// Add creates the instance record and posts a verify event (spec §3
// lifecycle).
func (m *LocalInstanceManager) Add(p store.NewInstanceParams, sync bool) (*store.Instance, error) {
	inst, err := m.store.Instances.Add(p)
	if err != nil && err != store.ErrAlreadyExists {
		return nil, err
	}
	m.verifyOne(*inst, sync)
	return inst, nil
}

// Remove deletes the instance record then posts a shutdown event
// (spec §3 lifecycle).
func (m *LocalInstanceManager) Remove(inst *store.Instance, sync bool) error {
	snapshot := *inst
	if err := m.store.Instances.Remove(inst); err != nil {
		return err
	}
	c := m.sup.Shutdown([]store.Instance{snapshot})
	if sync {
		c.Wait(m.SyncTimeout)
	}
	return nil
}

// Restart posts an explicit (non-ratelimited) restart.
func (m *LocalInstanceManager) Restart(inst *store.Instance, sync bool) {
	c := m.sup.Restart([]store.Instance{*inst})
	if sync {
		c.Wait(m.SyncTimeout)
	}
}

// Enable flips is_enabled on and reconciles.
func (m *LocalInstanceManager) Enable(inst *store.Instance, sync bool) error {
	if err := m.store.Instances.Enable(inst); err != nil {
		return err
	}
	m.verifyOne(*inst, sync)
	return nil
}

// Disable flips is_enabled off and reconciles (which will stop the
// live worker).
func (m *LocalInstanceManager) Disable(inst *store.Instance, sync bool) error {
	if err := m.store.Instances.Disable(inst); err != nil {
		return err
	}
	m.verifyOne(*inst, sync)
	return nil
}

// AddConsumer adds a queue to the instance's declared set and
// reconciles (spec §3: "Queue additions/removals mutate the set and
// post 'verify'").
func (m *LocalInstanceManager) AddConsumer(inst *store.Instance, queueName string, sync bool) error {
	if err := m.store.Instances.AddQueue(inst, queueName); err != nil {
		return err
	}
	m.verifyOne(*inst, sync)
	return nil
}

// CancelConsumer removes a queue from the instance's declared set and
// reconciles.
func (m *LocalInstanceManager) CancelConsumer(inst *store.Instance, queueName string, sync bool) error {
	if err := m.store.Instances.RemoveQueue(inst, queueName); err != nil {
		return err
	}
	m.verifyOne(*inst, sync)
	return nil
}

// RemoveQueue removes queue from every instance that references it and
// reconciles each mutated instance.
func (m *LocalInstanceManager) RemoveQueue(queue *store.Queue, sync bool) ([]store.Instance, error) {
	mutated, err := m.store.Instances.RemoveQueueFromInstances(queue, "")
	if err != nil {
		return nil, err
	}
	if len(mutated) > 0 {
		c := m.sup.Verify(mutated, true)
		if sync {
			c.Wait(m.SyncTimeout)
		}
	}
	return mutated, nil
}

// Stats returns the live worker's self-reported stats block (spec §6
// GET /APP/instances/:name/stats).
func (m *LocalInstanceManager) Stats(ctx context.Context, inst *store.Instance) (json.RawMessage, error) {
	return m.sup.Stats(ctx, inst)
}

// Autoscaler reads the worker's current autoscale bounds (spec §6 GET
// /APP/instances/:name/autoscale).
func (m *LocalInstanceManager) Autoscaler(ctx context.Context, inst *store.Instance) (instance.AutoscaleReport, bool) {
	return m.sup.adapter.Autoscaler(ctx, inst)
}

// Autoscale sets new bounds on the instance record and pushes them to
// the live worker, then reconciles (spec §6 POST
// /APP/instances/:name/autoscale).
func (m *LocalInstanceManager) Autoscale(ctx context.Context, inst *store.Instance, max, min int, sync bool) error {
	inst.MaxConcurrency = max
	inst.MinConcurrency = min
	if err := inst.Validate(); err != nil {
		return err
	}
	if err := m.store.Instances.Save(inst); err != nil {
		return err
	}
	m.verifyOne(*inst, sync)
	return nil
}
