// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"sync"
	"time"
)

// ReviveObserver is notified of broker availability transitions. The
// Supervisor implements this to pause on outage and resume on revival
// (spec §4.5).
type ReviveObserver interface {
	BrokerUnavailable(url string, err error)
	BrokerRevived(url string)
}

// InsuredConfig controls the retry/backoff behaviour of Insured.
type InsuredConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration // 0 means retry forever until ctx is done
}

// DefaultInsuredConfig mirrors the teacher's minBackoff/maxBackoff
// constants in slave/slave.go, widened slightly for a control plane
// that must not spin too hot against an overloaded broker.
func DefaultInsuredConfig() InsuredConfig {
	return InsuredConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxElapsed:     0,
	}
}

// registryMu guards the process-wide observer registry; a Broker may
// be shared by several callers (Supervisor, Controllers) all wanting
// revive/unavailable notifications.
var (
	registryMu sync.Mutex
	observers  = map[*Broker][]ReviveObserver{}
)

// Observe registers obs to receive revival/unavailability callbacks
// for b. Safe to call multiple times with different observers.
func Observe(b *Broker, obs ReviveObserver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	observers[b] = append(observers[b], obs)
}

func notifyUnavailable(b *Broker, err error) {
	registryMu.Lock()
	obs := append([]ReviveObserver(nil), observers[b]...)
	registryMu.Unlock()
	for _, o := range obs {
		o.BrokerUnavailable(b.URL, err)
	}
}

func notifyRevived(b *Broker) {
	registryMu.Lock()
	obs := append([]ReviveObserver(nil), observers[b]...)
	registryMu.Unlock()
	for _, o := range obs {
		o.BrokerRevived(b.URL)
	}
}

// InsuredCall retries fn itself (rather than a Producer-scoped
// operation) with the same exponential backoff and revival
// observation as Insured. It is for collaborators that manage their
// own broker connection, such as the Instance adapter's control
// client, but still need to participate in the Supervisor's
// pause/resume lifecycle on connectivity failure.
func InsuredCall(ctx context.Context, b *Broker, cfg InsuredConfig, fn func() error) error {
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	var deadline time.Time
	if cfg.MaxElapsed > 0 {
		deadline = time.Now().Add(cfg.MaxElapsed)
	}

	failed := false
	var lastErr error

	for {
		err := fn()
		if err == nil {
			if failed {
				b.markRevived()
				notifyRevived(b)
			}
			return nil
		}

		lastErr = err
		if !failed {
			failed = true
			notifyUnavailable(b, err)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Insured runs fn with a Producer acquired from b's pool, retrying with
// exponential backoff on connection error up to cfg's cap. Every
// successful call that follows at least one failure fires a
// broker_revive observation; exhausting the retry budget surfaces the
// last error to the caller, per spec §4.2.
func Insured(ctx context.Context, b *Broker, cfg InsuredConfig, timeout time.Duration, fn func(Producer) error) error {
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	var deadline time.Time
	if cfg.MaxElapsed > 0 {
		deadline = time.Now().Add(cfg.MaxElapsed)
	}

	failed := false
	var lastErr error

	for {
		prod, release, err := b.AcquireProducer(timeout)
		if err == nil {
			err = fn(prod)
			release()
		}
		if err == nil {
			if failed {
				b.markRevived()
				notifyRevived(b)
			}
			return nil
		}

		lastErr = err
		if !failed {
			failed = true
			notifyUnavailable(b, err)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
