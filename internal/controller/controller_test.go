package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celery/cyme/internal/actor"
	"github.com/celery/cyme/internal/broker"
	"github.com/celery/cyme/internal/instance"
	"github.com/celery/cyme/internal/store"
	"github.com/celery/cyme/internal/supervisor"
)

// --- fake broker plumbing, mirroring internal/supervisor's test fakes ----

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

// fakeAdapter is a minimal instance adapter: every instance is reported
// alive with matching autoscaler numbers and no live queues, so a
// Supervisor.Verify pass is a no-op beyond bookkeeping.
type fakeAdapter struct{}

func (fakeAdapter) Alive(ctx context.Context, inst *store.Instance) (bool, error) { return true, nil }
func (fakeAdapter) ConsumingFrom(ctx context.Context, inst *store.Instance) (map[string]instance.QueueDescriptor, error) {
	out := map[string]instance.QueueDescriptor{inst.DirectQueue(): {}}
	for name := range inst.QueueSet() {
		out[name] = instance.QueueDescriptor{}
	}
	return out, nil
}
func (fakeAdapter) AddQueue(ctx context.Context, inst *store.Instance, queueName string) error { return nil }
func (fakeAdapter) CancelQueue(ctx context.Context, inst *store.Instance, queueName string) error {
	return nil
}
func (fakeAdapter) Autoscaler(ctx context.Context, inst *store.Instance) (instance.AutoscaleReport, bool) {
	return instance.AutoscaleReport{Max: inst.MaxConcurrency, Min: inst.MinConcurrency}, true
}
func (fakeAdapter) Autoscale(ctx context.Context, inst *store.Instance, max, min int) error { return nil }
func (fakeAdapter) Restart(ctx context.Context, app *store.App, inst *store.Instance) error { return nil }
func (fakeAdapter) RespondsToPing(ctx context.Context, inst *store.Instance, timeout time.Duration) (bool, error) {
	return true, nil
}
func (fakeAdapter) Stop(ctx context.Context, inst *store.Instance) error { return nil }
func (fakeAdapter) Stats(ctx context.Context, inst *store.Instance) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func newTestController(t *testing.T) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	brk := broker.New("amqp://test", fakeDialer{}, 2, 2)
	cfg := supervisor.DefaultConfig()
	cfg.Interval = time.Hour
	sup := supervisor.New(cfg, st, fakeAdapter{}, brk)
	require.NoError(t, sup.Task().Start())
	t.Cleanup(func() { sup.Task().Stop(true, time.Second) })

	mgr := supervisor.NewLocalInstanceManager(st, sup)
	mgr.SyncTimeout = time.Second

	routing := actor.NewRoutingTable(time.Second)
	c := New("branch-test", "amqp://unused", st, mgr, routing, nil, nil)
	return c, st
}

func dispatchJSON(t *testing.T, a *actor.Actor, method string, args interface{}) (interface{}, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	result, err, ok := a.Dispatch(context.Background(), actor.Envelope{Method: method, Args: raw})
	require.True(t, ok, "handler for %s must be registered", method)
	return result, err
}

func TestAppCreateGetDelete(t *testing.T) {
	c, _ := newTestController(t)

	_, err := dispatchJSON(t, c.App, "create", appCreateArgs{Name: "myapp", Arguments: "--concurrency=2"})
	require.NoError(t, err)

	got, err := dispatchJSON(t, c.App, "get", appGetArgs{Name: "myapp"})
	require.NoError(t, err)
	app, ok := got.(store.App)
	require.True(t, ok)
	assert.Equal(t, "myapp", app.Name)

	_, err = dispatchJSON(t, c.App, "delete", appDeleteArgs{Name: "myapp"})
	require.NoError(t, err)

	_, err = dispatchJSON(t, c.App, "get", appGetArgs{Name: "myapp"})
	assert.True(t, actor.IsNext(err))
}

func TestAppGetMissingReturnsNext(t *testing.T) {
	c, _ := newTestController(t)
	_, err := dispatchJSON(t, c.App, "get", appGetArgs{Name: "ghost"})
	assert.True(t, actor.IsNext(err))
}

func TestInstanceAddDelegatesToManagerAndStore(t *testing.T) {
	c, st := newTestController(t)

	_, err := dispatchJSON(t, c.Instance, "add", instanceAddArgs{
		Name: "worker1", MaxConcurrency: 2, MinConcurrency: 1, Sync: true,
	})
	require.NoError(t, err)

	inst, err := st.Instances.Get("worker1")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.MaxConcurrency)

	c.refreshInstanceMeta()
	assert.Contains(t, c.Instance.MetaSnapshot()["instances"], "worker1")
}

func TestInstanceEnableDisable(t *testing.T) {
	c, st := newTestController(t)
	_, err := dispatchJSON(t, c.Instance, "add", instanceAddArgs{Name: "w1", MaxConcurrency: 1, MinConcurrency: 1, Sync: true})
	require.NoError(t, err)

	_, err = dispatchJSON(t, c.Instance, "disable", instanceNameArgs{Name: "w1", Sync: true})
	require.NoError(t, err)
	inst, err := st.Instances.Get("w1")
	require.NoError(t, err)
	assert.False(t, inst.IsEnabled)

	_, err = dispatchJSON(t, c.Instance, "enable", instanceNameArgs{Name: "w1", Sync: true})
	require.NoError(t, err)
	inst, err = st.Instances.Get("w1")
	require.NoError(t, err)
	assert.True(t, inst.IsEnabled)
}

func TestQueueCreateListDelete(t *testing.T) {
	c, st := newTestController(t)

	_, err := dispatchJSON(t, c.Queue, "create", queueCreateArgs{Name: "q1", RoutingKey: "q1"})
	require.NoError(t, err)

	listed, err := dispatchJSON(t, c.Queue, "list", struct{}{})
	require.NoError(t, err)
	queues, ok := listed.([]store.Queue)
	require.True(t, ok)
	assert.Len(t, queues, 1)

	_, err = dispatchJSON(t, c.Queue, "delete", queueDeleteArgs{Name: "q1", Sync: true})
	require.NoError(t, err)

	_, err = st.Queues.Get("q1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueueRemoveFromAllStripsDeclaredInstances(t *testing.T) {
	c, st := newTestController(t)
	_, err := dispatchJSON(t, c.Instance, "add", instanceAddArgs{
		Name: "w1", MaxConcurrency: 1, MinConcurrency: 1, Queues: []string{"q1"}, Sync: true,
	})
	require.NoError(t, err)
	_, err = dispatchJSON(t, c.Queue, "create", queueCreateArgs{Name: "q1"})
	require.NoError(t, err)

	_, err = dispatchJSON(t, c.Queue, "remove_queue_from_all", removeQueueArgs{Name: "q1"})
	require.NoError(t, err)

	inst, err := st.Instances.Get("w1")
	require.NoError(t, err)
	assert.False(t, inst.QueueSet()["q1"])
}

func TestBranchDescribeAndShutdown(t *testing.T) {
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	shutdownCalled := make(chan struct{})
	routing := actor.NewRoutingTable(time.Second)
	c := New("branch-b", "amqp://unused", st, nil, routing,
		func(ctx context.Context) { close(shutdownCalled) },
		func() []string { return []string{"http://host:8000"} })

	got, err := dispatchJSON(t, c.Branch, "describe", struct{}{})
	require.NoError(t, err)
	desc, ok := got.(branchDescription)
	require.True(t, ok)
	assert.Equal(t, "branch-b", desc.ID)
	assert.Equal(t, []string{"http://host:8000"}, desc.URLs)

	_, err = dispatchJSON(t, c.Branch, "shutdown", struct{}{})
	require.NoError(t, err)
	select {
	case <-shutdownCalled:
	case <-time.After(time.Second):
		t.Fatal("onShutdown was not invoked")
	}
}
