// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPoolTimeout is returned when acquiring a pooled resource does not
// complete before the caller's deadline (spec §4.2: "producer pools
// block until a producer becomes available, with an explicit timeout").
var ErrPoolTimeout = errors.New("broker: pool acquire timed out")

// connPool is a bounded pool of broker connections for one URL.
type connPool struct {
	dialer Dialer
	url    string

	mu    sync.Mutex
	idle  []Conn
	count int
	max   int
}

func newConnPool(dialer Dialer, url string, max int) *connPool {
	return &connPool{dialer: dialer, url: url, max: max}
}

// acquire returns a live connection, dialing a new one if the pool is
// under capacity, or blocking (subject to ctx) for one to free up.
func (p *connPool) acquire(ctx context.Context) (Conn, error) {
	for {
		p.mu.Lock()
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if !c.IsClosed() {
				p.mu.Unlock()
				return c, nil
			}
			p.count--
		}
		if p.count < p.max {
			p.count++
			p.mu.Unlock()
			c, err := p.dialer.Dial(p.url)
			if err != nil {
				p.mu.Lock()
				p.count--
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrPoolTimeout
		case <-time.After(10 * time.Millisecond):
			// retry the loop; another release may have freed a slot
		}
	}
}

func (p *connPool) release(c Conn) {
	if c.IsClosed() {
		p.mu.Lock()
		p.count--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

func (p *connPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	p.count = 0
	return firstErr
}

// producerPool hands out Producer (AMQP channel) instances drawn from
// the underlying connection pool, bounded independently so that a burst
// of control-command broadcasts cannot starve ordinary RPC traffic.
type producerPool struct {
	conns *connPool
	sem   chan struct{}
}

func newProducerPool(conns *connPool, max int) *producerPool {
	return &producerPool{conns: conns, sem: make(chan struct{}, max)}
}

// acquire blocks until a producer slot is free or timeout elapses,
// then opens a channel on a pooled connection.
func (p *producerPool) acquire(timeout time.Duration) (Producer, func(), error) {
	select {
	case p.sem <- struct{}{}:
	case <-time.After(timeout):
		return nil, nil, ErrPoolTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := p.conns.acquire(ctx)
	if err != nil {
		<-p.sem
		return nil, nil, err
	}
	prod, err := conn.Channel()
	if err != nil {
		p.conns.release(conn)
		<-p.sem
		return nil, nil, err
	}

	release := func() {
		prod.Close()
		p.conns.release(conn)
		<-p.sem
	}
	return prod, release, nil
}

// AcquireProducer is the public entry point used by the instance
// adapter and actor runtime to get a producer from this broker's pool.
func (b *Broker) AcquireProducer(timeout time.Duration) (Producer, func(), error) {
	return b.prods.acquire(timeout)
}
