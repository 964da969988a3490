package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	closed bool
	mu     sync.Mutex
}

func (c *fakeConn) Channel() (Producer, error) { return &fakeProducer{conn: c}, nil }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeProducer struct {
	conn *fakeConn
}

func (p *fakeProducer) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}
func (p *fakeProducer) Close() error { return nil }

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failNext int // number of upcoming Dial calls that should fail
	err      error
}

func (d *fakeDialer) Dial(url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		if d.err == nil {
			d.err = errors.New("dial failed")
		}
		return nil, d.err
	}
	return &fakeConn{}, nil
}

func TestConnPoolAcquireReleaseReuses(t *testing.T) {
	d := &fakeDialer{}
	p := newConnPool(d, "amqp://x", 2)

	ctx := context.Background()
	c1, err := p.acquire(ctx)
	require.NoError(t, err)
	p.release(c1)

	c2, err := p.acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "idle connection should be reused")
	assert.Equal(t, 1, d.dials)
}

func TestConnPoolBoundedBlocksThenTimesOut(t *testing.T) {
	d := &fakeDialer{}
	p := newConnPool(d, "amqp://x", 1)

	ctx := context.Background()
	c1, err := p.acquire(ctx)
	require.NoError(t, err)
	_ = c1

	ctx2, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.acquire(ctx2)
	assert.ErrorIs(t, err, ErrPoolTimeout)
}

func TestProducerPoolAcquireTimeout(t *testing.T) {
	d := &fakeDialer{}
	cp := newConnPool(d, "amqp://x", 1)
	pp := newProducerPool(cp, 1)

	_, release, err := pp.acquire(time.Second)
	require.NoError(t, err)

	_, _, err = pp.acquire(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolTimeout)

	release()
	_, release2, err := pp.acquire(time.Second)
	require.NoError(t, err)
	release2()
}

type fakeObserver struct {
	mu            sync.Mutex
	unavailable   int
	revived       int
}

func (o *fakeObserver) BrokerUnavailable(url string, err error) {
	o.mu.Lock()
	o.unavailable++
	o.mu.Unlock()
}
func (o *fakeObserver) BrokerRevived(url string) {
	o.mu.Lock()
	o.revived++
	o.mu.Unlock()
}

func TestInsuredRetriesThenRevives(t *testing.T) {
	d := &fakeDialer{failNext: 2}
	b := New("amqp://x", d, 1, 1)
	obs := &fakeObserver{}
	Observe(b, obs)

	cfg := InsuredConfig{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	calls := 0
	err := Insured(context.Background(), b, cfg, time.Second, func(p Producer) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.unavailable)
	assert.Equal(t, 1, obs.revived)
	assert.True(t, b.EverRevived())
}

func TestInsuredSurfacesErrorAfterMaxElapsed(t *testing.T) {
	d := &fakeDialer{failNext: 1000}
	b := New("amqp://x", d, 1, 1)

	cfg := InsuredConfig{InitialBackoff: 2 * time.Millisecond, MaxBackoff: 4 * time.Millisecond, MaxElapsed: 20 * time.Millisecond}
	err := Insured(context.Background(), b, cfg, time.Second, func(p Producer) error {
		return nil
	})
	assert.Error(t, err)
}
