package actor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinRotatesAcrossPeers(t *testing.T) {
	ring := newRoundRobinRing()
	ring.register("get", "branch-a")
	ring.register("get", "branch-b")
	ring.register("get", "branch-c")

	var seen []string
	for i := 0; i < 3; i++ {
		p, ok := ring.next("get")
		require.True(t, ok)
		seen = append(seen, p)
	}
	assert.Equal(t, []string{"branch-b", "branch-c", "branch-a"}, seen)
}

func TestRoundRobinUnregisterRemovesPeer(t *testing.T) {
	ring := newRoundRobinRing()
	ring.register("get", "branch-a")
	ring.register("get", "branch-b")
	ring.unregister("branch-a")

	p, ok := ring.next("get")
	require.True(t, ok)
	assert.Equal(t, "branch-b", p)
}

func TestRoundRobinEmptyMethodReportsNotFound(t *testing.T) {
	ring := newRoundRobinRing()
	_, ok := ring.next("missing")
	assert.False(t, ok)
}

func TestRoutingTableObserveAndLookup(t *testing.T) {
	rt := NewRoutingTable(50 * time.Millisecond)
	rt.Observe(PresenceMessage{
		BranchID: "branch-a",
		Meta:     map[string][]string{"instances": {"worker1", "worker2"}},
	})

	owner, ok := rt.Lookup("instances", "worker1")
	require.True(t, ok)
	assert.Equal(t, "branch-a", owner)

	_, ok = rt.Lookup("instances", "nope")
	assert.False(t, ok)
}

func TestRoutingTableEntryExpires(t *testing.T) {
	rt := NewRoutingTable(20 * time.Millisecond)
	rt.Observe(PresenceMessage{BranchID: "branch-a", Meta: map[string][]string{"instances": {"worker1"}}})

	_, ok := rt.Lookup("instances", "worker1")
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = rt.Lookup("instances", "worker1")
	assert.False(t, ok, "entry should have expired")
}

func TestRoutingTableForgetDropsBranch(t *testing.T) {
	rt := NewRoutingTable(time.Second)
	rt.Observe(PresenceMessage{BranchID: "branch-a", Meta: map[string][]string{"instances": {"worker1", "worker2"}}})
	rt.Forget("branch-a")

	_, ok := rt.Lookup("instances", "worker1")
	assert.False(t, ok)
}

func TestActorDispatchRunsRegisteredHandler(t *testing.T) {
	a := New("branch-a:App", "App", "cyme.App", "amqp://unused", NewRoutingTable(time.Second))
	a.Handle("get", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return map[string]string{"name": "default"}, nil
	})

	result, err, ok := a.Dispatch(context.Background(), Envelope{Method: "get"})
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "default"}, result)
}

func TestActorDispatchUnknownMethodNotOK(t *testing.T) {
	a := New("branch-a:App", "App", "cyme.App", "amqp://unused", NewRoutingTable(time.Second))
	_, _, ok := a.Dispatch(context.Background(), Envelope{Method: "nope"})
	assert.False(t, ok)
}

func TestActorDispatchNextSignalsFallthrough(t *testing.T) {
	a := New("branch-a:App", "App", "cyme.App", "amqp://unused", NewRoutingTable(time.Second))
	a.Handle("get", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return nil, Next
	})

	_, err, ok := a.Dispatch(context.Background(), Envelope{Method: "get"})
	require.True(t, ok)
	assert.True(t, IsNext(err))
}

func TestActorSendToAbleReturnsRouteNotFound(t *testing.T) {
	a := New("branch-a:Instance", "Instance", "cyme.Instance", "amqp://unused", NewRoutingTable(time.Second))
	_, err := a.SendToAble(context.Background(), "instances", "ghost", "restart", nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestActorCallRoundRobinNoReplyWhenNoProvider(t *testing.T) {
	a := New("branch-a:App", "App", "cyme.App", "amqp://unused", NewRoutingTable(time.Second))
	_, err := a.CallRoundRobin(context.Background(), "get", nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestActorMetaSnapshotIsIsolatedCopy(t *testing.T) {
	a := New("branch-a:Instance", "Instance", "cyme.Instance", "amqp://unused", NewRoutingTable(time.Second))
	a.SetMeta("instances", []string{"worker1"})

	snap := a.MetaSnapshot()
	snap["instances"][0] = "mutated"

	fresh := a.MetaSnapshot()
	assert.Equal(t, "worker1", fresh["instances"][0])
}
