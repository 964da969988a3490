// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package broker is the control plane's connection to the message
// broker: a bounded connection pool and producer pool per distinct
// broker URL, plus the `insured` retry wrapper spec §4.2 requires.
// It generalises the teacher's meekod/broker endpoint/transport split
// — there the transport was ZeroMQ or WebSocket; here it is AMQP,
// the protocol the original Python system (kombu) actually spoke.
package broker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/celery/cyme/internal/logx"
)

// Conn is the subset of *amqp091.Connection the rest of this package
// needs; it exists so tests can substitute a fake dialer.
type Conn interface {
	Channel() (Producer, error)
	Close() error
	IsClosed() bool
}

// Producer is the subset of *amqp091.Channel used to publish control
// commands and actor envelopes.
type Producer interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens new broker connections. The default dials AMQP; tests
// inject a fake.
type Dialer interface {
	Dial(url string) (Conn, error)
}

type amqpDialer struct{}

func (amqpDialer) Dial(url string) (Conn, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConn{c}, nil
}

type amqpConn struct{ c *amqp.Connection }

func (a *amqpConn) Channel() (Producer, error) { return a.c.Channel() }
func (a *amqpConn) Close() error               { return a.c.Close() }
func (a *amqpConn) IsClosed() bool             { return a.c.IsClosed() }

// DefaultDialer is the process-wide AMQP dialer.
var DefaultDialer Dialer = amqpDialer{}

// Broker is a connection target: a unique URL with its own bounded
// connection pool and producer pool, per spec §3.
type Broker struct {
	URL string

	mu     sync.Mutex
	conns  *connPool
	prods  *producerPool
	dialer Dialer
	log    zerolog.Logger

	everRevived bool
}

// New constructs a Broker for url using dialer (DefaultDialer if nil)
// with the given connection and producer pool bounds.
func New(url string, dialer Dialer, maxConns, maxProducers int) *Broker {
	if dialer == nil {
		dialer = DefaultDialer
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	if maxProducers <= 0 {
		maxProducers = 8
	}
	cp := newConnPool(dialer, url, maxConns)
	return &Broker{
		URL:    url,
		dialer: dialer,
		conns:  cp,
		prods:  newProducerPool(cp, maxProducers),
		log:    logx.For("broker").With().Str("url", url).Logger(),
	}
}

// EverRevived reports whether this broker has ever transitioned from
// unavailable back to available since process start (spec §4.5's
// "no revival has ever occurred" escape hatch).
func (b *Broker) EverRevived() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.everRevived
}

func (b *Broker) markRevived() {
	b.mu.Lock()
	b.everRevived = true
	b.mu.Unlock()
}

// Close tears down all pooled connections.
func (b *Broker) Close() error {
	return b.conns.closeAll()
}
