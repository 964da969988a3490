package branch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTaskComponent struct {
	name      string
	startErr  error
	stopOrder *[]string
	mu        *sync.Mutex
}

func (f *fakeTaskComponent) Name() string { return f.name }
func (f *fakeTaskComponent) Start() error { return f.startErr }
func (f *fakeTaskComponent) Stop(join bool, timeout time.Duration) error {
	f.mu.Lock()
	*f.stopOrder = append(*f.stopOrder, f.name)
	f.mu.Unlock()
	return nil
}

type fakeHTTPServer struct {
	name      string
	stopOrder *[]string
	mu        *sync.Mutex
}

func (f *fakeHTTPServer) Start() error { return nil }
func (f *fakeHTTPServer) Stop(ctx context.Context) error {
	f.mu.Lock()
	*f.stopOrder = append(*f.stopOrder, f.name)
	f.mu.Unlock()
	return nil
}

func TestBranchReadyFiresOnceAllComponentsReady(t *testing.T) {
	b := New(DefaultConfig())
	var mu sync.Mutex
	var stopOrder []string

	ready1 := make(chan struct{})
	ready2 := make(chan struct{})

	b.AddTask(&fakeTaskComponent{name: "supervisor", stopOrder: &stopOrder, mu: &mu}, ready1)
	b.AddTask(&fakeTaskComponent{name: "controller.0", stopOrder: &stopOrder, mu: &mu}, ready2)

	readyEvent := make(chan struct{})
	require.NoError(t, b.Start(readyEvent))

	select {
	case <-b.Ready():
		t.Fatal("branch reported ready before any component did")
	case <-time.After(20 * time.Millisecond):
	}

	close(ready1)
	select {
	case <-b.Ready():
		t.Fatal("branch reported ready before all components did")
	case <-time.After(20 * time.Millisecond):
	}

	close(ready2)
	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("branch never reported ready")
	}
	select {
	case <-readyEvent:
	case <-time.After(time.Second):
		t.Fatal("caller-supplied ready event was never closed")
	}
}

func TestBranchShutdownStopsInReverseOrder(t *testing.T) {
	b := New(DefaultConfig())
	var mu sync.Mutex
	var stopOrder []string

	b.AddTask(&fakeTaskComponent{name: "supervisor", stopOrder: &stopOrder, mu: &mu}, nil)
	b.AddTask(&fakeTaskComponent{name: "controller.0", stopOrder: &stopOrder, mu: &mu}, nil)
	b.AddHTTPServer("http", &fakeHTTPServer{name: "http", stopOrder: &stopOrder, mu: &mu})

	require.NoError(t, b.Start(nil))
	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("branch never reported ready")
	}

	b.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"http", "controller.0", "supervisor"}, stopOrder)
}

func TestBranchShutdownIsIdempotent(t *testing.T) {
	b := New(DefaultConfig())
	var mu sync.Mutex
	var stopOrder []string
	b.AddTask(&fakeTaskComponent{name: "supervisor", stopOrder: &stopOrder, mu: &mu}, nil)
	require.NoError(t, b.Start(nil))

	b.Shutdown()
	b.Shutdown() // must not double-stop or panic

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"supervisor"}, stopOrder)
}

func TestBranchHasShortIDPrefix(t *testing.T) {
	b := New(DefaultConfig())
	assert.Len(t, b.Short, 8)
	assert.Contains(t, b.ID, b.Short)
}
