// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package store

import (
	"errors"

	"gorm.io/gorm"
)

// ErrAlreadyExists is returned by Add when an instance with that name
// already exists.
var ErrAlreadyExists = errors.New("store: instance already exists")

// InstanceStore implements the required CRUD plus the convenience
// mutations spec §4.3 requires: add/remove/enable/disable and
// remove_queue_from_instances.
type InstanceStore struct {
	db     *gorm.DB
	apps   *AppStore
	queues *QueueStore
}

func (s *InstanceStore) All() ([]Instance, error) {
	var out []Instance
	err := s.db.Find(&out).Error
	return out, err
}

func (s *InstanceStore) Filter(query interface{}, args ...interface{}) ([]Instance, error) {
	var out []Instance
	err := s.db.Where(query, args...).Find(&out).Error
	return out, err
}

func (s *InstanceStore) Get(name string) (*Instance, error) {
	var i Instance
	err := s.db.Where("name = ?", name).First(&i).Error
	if isRecordNotFound(err) {
		return nil, ErrNotFound
	}
	return &i, err
}

// GetOrCreate returns the named instance, creating it with the
// process default app and minimal concurrency (1/1) if it does not
// exist. Callers that need full control over creation parameters
// should use Add directly.
func (s *InstanceStore) GetOrCreate(name string) (*Instance, error) {
	i, err := s.Get(name)
	if err == nil {
		return i, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	created, err := s.Add(NewInstanceParams{Name: name, MaxConcurrency: 1, MinConcurrency: 1})
	if err != nil && err != ErrAlreadyExists {
		return nil, err
	}
	return created, nil
}

func (s *InstanceStore) Create(i *Instance) error {
	if err := i.Validate(); err != nil {
		return err
	}
	return s.db.Create(i).Error
}

func (s *InstanceStore) Save(i *Instance) error {
	if err := i.Validate(); err != nil {
		return err
	}
	return s.db.Save(i).Error
}

func (s *InstanceStore) Delete(i *Instance) error {
	return s.db.Delete(i).Error
}

// NewInstanceParams is the declared shape of an instance creation
// request (spec §3/§6 POST /APP/instances).
type NewInstanceParams struct {
	Name           string
	AppName        string // empty means App.get_default()
	BrokerURL      string // empty means no override
	MaxConcurrency int
	MinConcurrency int
	Pool           string
	Arguments      string
	ExtraConfig    string
	Queues         []string
}

// Add creates a new Instance record (spec §3 lifecycle: "Created by
// the Instance actor's add"). Returns ErrAlreadyExists if the name is
// taken, matching add's idempotent-create semantics at the HTTP layer
// (POST /APP is documented as "idempotent add").
func (s *InstanceStore) Add(p NewInstanceParams) (*Instance, error) {
	if existing, err := s.Get(p.Name); err == nil {
		return existing, ErrAlreadyExists
	} else if err != ErrNotFound {
		return nil, err
	}

	app, err := s.resolveApp(p.AppName)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		Name:           p.Name,
		AppID:          app.ID,
		MaxConcurrency: p.MaxConcurrency,
		MinConcurrency: p.MinConcurrency,
		Pool:           p.Pool,
		IsEnabled:      true,
		Arguments:      p.Arguments,
		ExtraConfig:    p.ExtraConfig,
	}
	if p.BrokerURL != "" {
		b, err := s.brokerStore().GetOrCreate(p.BrokerURL)
		if err != nil {
			return nil, err
		}
		inst.BrokerID = &b.ID
	}
	set := make(map[string]bool, len(p.Queues))
	for _, q := range p.Queues {
		set[q] = true
	}
	inst.SetQueueNames(set)

	if err := s.Create(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *InstanceStore) resolveApp(name string) (*App, error) {
	if name == "" {
		return s.apps.GetDefault()
	}
	return s.apps.GetOrCreate(name)
}

func (s *InstanceStore) brokerStore() *BrokerStore {
	return &BrokerStore{db: s.db}
}

// Remove deletes the instance record. It does not notify the
// Supervisor; LocalInstanceManager.Remove posts the follow-up
// "shutdown" event, per spec §3 lifecycle.
func (s *InstanceStore) Remove(i *Instance) error {
	return s.Delete(i)
}

// Enable / Disable mutate only the record; the Supervisor's next
// verify pass reconciles live worker state (spec §3).
func (s *InstanceStore) Enable(i *Instance) error {
	i.IsEnabled = true
	return s.Save(i)
}

func (s *InstanceStore) Disable(i *Instance) error {
	i.IsEnabled = false
	return s.Save(i)
}

// AddQueue adds a queue name to the instance's declared set.
func (s *InstanceStore) AddQueue(i *Instance, queueName string) error {
	set := i.QueueSet()
	set[queueName] = true
	i.SetQueueNames(set)
	return s.Save(i)
}

// RemoveQueue removes a queue name from the instance's declared set.
func (s *InstanceStore) RemoveQueue(i *Instance, queueName string) error {
	set := i.QueueSet()
	delete(set, queueName)
	i.SetQueueNames(set)
	return s.Save(i)
}

// RemoveQueueFromInstances removes queue.Name from the declared queue
// set of every instance that references it, returning the mutated
// instances (spec §4.3). If name is non-empty it is used instead of
// queue.Name, matching the optional name= override in the spec.
func (s *InstanceStore) RemoveQueueFromInstances(queue *Queue, name string) ([]Instance, error) {
	target := queue.Name
	if name != "" {
		target = name
	}

	all, err := s.All()
	if err != nil {
		return nil, err
	}

	var mutated []Instance
	for i := range all {
		inst := &all[i]
		set := inst.QueueSet()
		if !set[target] {
			continue
		}
		delete(set, target)
		inst.SetQueueNames(set)
		if err := s.Save(inst); err != nil {
			return nil, err
		}
		mutated = append(mutated, *inst)
	}
	return mutated, nil
}
