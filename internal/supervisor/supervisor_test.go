package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celery/cyme/internal/broker"
	"github.com/celery/cyme/internal/instance"
	"github.com/celery/cyme/internal/store"
)

// --- fake broker dialer (never actually dials) ---------------------------

type fakeConn struct{ mu sync.Mutex; closed bool }

func (c *fakeConn) Channel() (broker.Producer, error) { return &fakeProducer{}, nil }
func (c *fakeConn) Close() error                      { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }
func (c *fakeConn) IsClosed() bool                    { c.mu.Lock(); defer c.mu.Unlock(); return c.closed }

type fakeProducer struct{}

func (p *fakeProducer) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}
func (p *fakeProducer) Close() error { return nil }

type fakeDialer struct{}

func (fakeDialer) Dial(url string) (broker.Conn, error) { return &fakeConn{}, nil }

func newTestBroker() *broker.Broker {
	return broker.New("amqp://test", fakeDialer{}, 2, 2)
}

// --- fake instance adapter -------------------------------------------------

type fakeAdapter struct {
	mu sync.Mutex

	aliveFor       map[string]bool
	consumingFor   map[string]map[string]instance.QueueDescriptor
	autoscalerFor  map[string]instance.AutoscaleReport
	autoscalerOK   map[string]bool

	restarts   []string
	stops      []string
	autoscales []string
	addQueue   []string
	cancelQ    []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		aliveFor:      map[string]bool{},
		consumingFor:  map[string]map[string]instance.QueueDescriptor{},
		autoscalerFor: map[string]instance.AutoscaleReport{},
		autoscalerOK:  map[string]bool{},
	}
}

func (f *fakeAdapter) Alive(ctx context.Context, inst *store.Instance) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveFor[inst.Name], nil
}
func (f *fakeAdapter) ConsumingFrom(ctx context.Context, inst *store.Instance) (map[string]instance.QueueDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.consumingFor[inst.Name]
	if out == nil {
		out = map[string]instance.QueueDescriptor{}
	}
	return out, nil
}
func (f *fakeAdapter) AddQueue(ctx context.Context, inst *store.Instance, queueName string) error {
	f.mu.Lock()
	f.addQueue = append(f.addQueue, inst.Name+":"+queueName)
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) CancelQueue(ctx context.Context, inst *store.Instance, queueName string) error {
	f.mu.Lock()
	f.cancelQ = append(f.cancelQ, inst.Name+":"+queueName)
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) Autoscaler(ctx context.Context, inst *store.Instance) (instance.AutoscaleReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoscalerFor[inst.Name], f.autoscalerOK[inst.Name]
}
func (f *fakeAdapter) Autoscale(ctx context.Context, inst *store.Instance, max, min int) error {
	f.mu.Lock()
	f.autoscales = append(f.autoscales, inst.Name)
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) Restart(ctx context.Context, app *store.App, inst *store.Instance) error {
	f.mu.Lock()
	f.restarts = append(f.restarts, inst.Name)
	f.aliveFor[inst.Name] = true
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) RespondsToPing(ctx context.Context, inst *store.Instance, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveFor[inst.Name], nil
}
func (f *fakeAdapter) Stop(ctx context.Context, inst *store.Instance) error {
	f.mu.Lock()
	f.stops = append(f.stops, inst.Name)
	f.aliveFor[inst.Name] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stats(ctx context.Context, inst *store.Instance) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store, *fakeAdapter) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fa := newFakeAdapter()
	cfg := DefaultConfig()
	cfg.Interval = time.Hour // disable the periodic timer for deterministic tests
	cfg.InsuredConfig.InitialBackoff = time.Millisecond
	cfg.InsuredConfig.MaxBackoff = time.Millisecond
	cfg.PingSchedule = []time.Duration{time.Millisecond, time.Millisecond}

	sup := New(cfg, st, fa, newTestBroker())
	require.NoError(t, sup.Task().Start())
	t.Cleanup(func() { sup.Task().Stop(true, time.Second) })
	return sup, st, fa
}

func TestVerifyRestartsDeadEnabledInstance(t *testing.T) {
	sup, st, fa := newTestSupervisor(t)
	inst, err := st.Instances.Add(store.NewInstanceParams{Name: "n1", MaxConcurrency: 2, MinConcurrency: 1})
	require.NoError(t, err)

	fa.autoscalerOK["n1"] = true
	fa.autoscalerFor["n1"] = instance.AutoscaleReport{Max: 2, Min: 1}

	c := sup.Verify([]store.Instance{*inst}, true)
	require.True(t, c.Wait(2*time.Second))

	assert.Contains(t, fa.restarts, "n1")
}

func TestVerifyStopsDisabledAliveInstance(t *testing.T) {
	sup, st, fa := newTestSupervisor(t)
	inst, err := st.Instances.Add(store.NewInstanceParams{Name: "n1", MaxConcurrency: 2, MinConcurrency: 1})
	require.NoError(t, err)
	require.NoError(t, st.Instances.Disable(inst))
	fa.aliveFor["n1"] = true

	c := sup.Verify([]store.Instance{*inst}, true)
	require.True(t, c.Wait(2*time.Second))

	assert.Contains(t, fa.stops, "n1")
}

func TestVerifyQueuesAddsMissingAndCancelsExtra(t *testing.T) {
	sup, st, fa := newTestSupervisor(t)
	inst, err := st.Instances.Add(store.NewInstanceParams{
		Name: "n1", MaxConcurrency: 2, MinConcurrency: 1, Queues: []string{"q1"},
	})
	require.NoError(t, err)

	fa.aliveFor["n1"] = true
	fa.autoscalerOK["n1"] = true
	fa.autoscalerFor["n1"] = instance.AutoscaleReport{Max: 2, Min: 1}
	fa.consumingFor["n1"] = map[string]instance.QueueDescriptor{
		inst.DirectQueue(): {},
		"stale":            {},
	}

	c := sup.Verify([]store.Instance{*inst}, true)
	require.True(t, c.Wait(2*time.Second))

	assert.Contains(t, fa.addQueue, "n1:q1")
	assert.Contains(t, fa.cancelQ, "n1:stale")
	assert.NotContains(t, fa.cancelQ, "n1:"+inst.DirectQueue())
}

func TestVerifyAutoscalesOnMismatch(t *testing.T) {
	sup, st, fa := newTestSupervisor(t)
	inst, err := st.Instances.Add(store.NewInstanceParams{Name: "n1", MaxConcurrency: 4, MinConcurrency: 2})
	require.NoError(t, err)

	fa.aliveFor["n1"] = true
	fa.autoscalerOK["n1"] = true
	fa.autoscalerFor["n1"] = instance.AutoscaleReport{Max: 2, Min: 1}

	c := sup.Verify([]store.Instance{*inst}, true)
	require.True(t, c.Wait(2*time.Second))

	assert.Contains(t, fa.autoscales, "n1")
}

func TestRestartStormDisablesInstance(t *testing.T) {
	sup, st, fa := newTestSupervisor(t)
	sup.cfg.RestartBucketCapacity = 3
	sup.cfg.RestartMaxRatePerSec = 0 // no refill within the test window

	inst, err := st.Instances.Add(store.NewInstanceParams{Name: "n1", MaxConcurrency: 1, MinConcurrency: 1})
	require.NoError(t, err)
	fa.autoscalerOK["n1"] = true
	fa.autoscalerFor["n1"] = instance.AutoscaleReport{Max: 1, Min: 1}

	for i := 0; i < 4; i++ {
		fa.aliveFor["n1"] = false // each verify observes it dead, forcing a restart attempt
		c := sup.Verify([]store.Instance{*inst}, true)
		require.True(t, c.Wait(2*time.Second))
	}

	reloaded, err := st.Instances.Get("n1")
	require.NoError(t, err)
	assert.False(t, reloaded.IsEnabled, "instance should be disabled after exceeding the restart bucket")
}

func TestPauseSkipsVerify(t *testing.T) {
	sup, st, fa := newTestSupervisor(t)
	inst, err := st.Instances.Add(store.NewInstanceParams{Name: "n1", MaxConcurrency: 1, MinConcurrency: 1})
	require.NoError(t, err)

	sup.BrokerUnavailable("amqp://test", assertErr)

	c := sup.Verify([]store.Instance{*inst}, true)
	require.True(t, c.Wait(2*time.Second))

	assert.Empty(t, fa.restarts)
	assert.Empty(t, fa.stops)
}

var assertErr = errSentinel{}

type errSentinel struct{}

func (errSentinel) Error() string { return "broker down" }
