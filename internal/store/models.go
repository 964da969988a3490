// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package store is the transactional, key-addressable local model
// store of spec §3/§4.3: App, Broker, Queue and Instance records,
// owned exclusively by one branch. Built on gorm+sqlite, the ORM the
// rest of the retrieval pack (cyw0ng95-v2e, and the unicorn manifest)
// reaches for — the teacher itself persisted agents through mgo
// (MongoDB) in meekod/supervisor, a document store this spec's
// relational App/Broker/Queue/Instance shape does not call for.
package store

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BrokerModel is a connection target: its URL is unique (spec §3).
type BrokerModel struct {
	ID        uint   `gorm:"primaryKey"`
	URL       string `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

func (BrokerModel) TableName() string { return "brokers" }

// DefaultAppName is the name of the process-wide default App, created
// via get_or_create the first time it is needed (spec §9 open
// question (c): avoid the check-then-insert race).
const DefaultAppName = "default"

// App is a named grouping of instances (spec §3).
type App struct {
	ID          uint  `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;not null"`
	BrokerID    *uint
	Arguments   string
	ExtraConfig string
	CreatedAt   time.Time
}

func (App) TableName() string { return "apps" }

// Queue is a message-routing descriptor (spec §3).
type Queue struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;not null"`
	Exchange     string
	ExchangeType string
	RoutingKey   string
	Options      string // JSON string, stored and returned as is; nothing parses it (spec §9 open question (b))
	IsEnabled    bool   `gorm:"default:true"`
	CreatedAt    time.Time
}

func (Queue) TableName() string { return "queues" }

// DefaultPool is the worker pool kind used when an Instance does not
// specify one, matching original_source/cyme/models/__init__.py.
const DefaultPool = "processes"

// Instance is a declared worker (spec §3).
type Instance struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"uniqueIndex;not null"`
	AppID          uint   `gorm:"not null"`
	BrokerID       *uint
	MaxConcurrency int    `gorm:"not null"`
	MinConcurrency int    `gorm:"not null"`
	Pool           string `gorm:"default:processes"`
	IsEnabled      bool   `gorm:"default:true"`
	Arguments      string
	ExtraConfig    string
	// Queues is a comma-joined, deduplicated set of queue names; order
	// is not meaningful (spec §3).
	Queues    string
	CreatedAt time.Time
}

func (Instance) TableName() string { return "instances" }

// DirectQueue returns this instance's always-on direct queue name.
func (i *Instance) DirectQueue() string {
	return "dq." + i.Name
}

// WorkingDir returns the per-instance working directory under root.
func (i *Instance) WorkingDir(root string) string {
	return filepath.Join(root, i.Name)
}

// PidFile, LogFile and StateDBFile return the well-known paths inside
// the instance's working directory (spec §6 filesystem layout).
func (i *Instance) PidFile(root string) string    { return filepath.Join(i.WorkingDir(root), "worker.pid") }
func (i *Instance) LogFile(root string) string    { return filepath.Join(i.WorkingDir(root), "worker.log") }
func (i *Instance) StateDBFile(root string) string { return filepath.Join(i.WorkingDir(root), "worker.statedb") }

// QueueSet parses Queues into a deduplicated, order-independent set.
func (i *Instance) QueueSet() map[string]bool {
	set := make(map[string]bool)
	for _, name := range strings.Split(i.Queues, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = true
		}
	}
	return set
}

// QueueNames returns QueueSet's members in sorted order, for stable
// output (HTTP responses, logs).
func (i *Instance) QueueNames() []string {
	set := i.QueueSet()
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetQueueNames replaces Queues from a set, deduplicating and
// dropping blanks.
func (i *Instance) SetQueueNames(names map[string]bool) {
	list := make([]string, 0, len(names))
	for n := range names {
		if n != "" {
			list = append(list, n)
		}
	}
	sort.Strings(list)
	i.Queues = strings.Join(list, ",")
}

// ErrInvalidConcurrency is returned by Validate when max < min or
// either bound is not strictly positive (spec §3 invariant).
var ErrInvalidConcurrency = errors.New("store: max_concurrency must be >= min_concurrency >= 1")

// Validate enforces the Instance invariants at the model layer, not
// only at the HTTP boundary (original_source/cyme/models/__init__.py
// validates on save, not just on request parse).
func (i *Instance) Validate() error {
	if i.MinConcurrency < 1 || i.MaxConcurrency < i.MinConcurrency {
		return ErrInvalidConcurrency
	}
	if i.Pool == "" {
		i.Pool = DefaultPool
	}
	return nil
}

// BuildArgv builds the worker process argv deterministically, per
// spec §4.4: default_args + app.arguments + instance.arguments + "--"
// + default_config + app.extra_config + instance.extra_config.
func BuildArgv(defaultArgs []string, app *App, inst *Instance, defaultConfig []string) []string {
	argv := append([]string{}, defaultArgs...)
	argv = append(argv, splitNonEmpty(app.Arguments)...)
	argv = append(argv, splitNonEmpty(inst.Arguments)...)
	argv = append(argv, "--")
	argv = append(argv, defaultConfig...)
	argv = append(argv, splitNonEmpty(app.ExtraConfig)...)
	argv = append(argv, splitNonEmpty(inst.ExtraConfig)...)
	return argv
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}
