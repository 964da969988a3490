package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRunnable struct {
	beforeCalled bool
	afterCalled  bool
}

func (r *echoRunnable) Before() error { r.beforeCalled = true; return nil }
func (r *echoRunnable) After() error  { r.afterCalled = true; return nil }
func (r *echoRunnable) Run(t *Task) error {
	for {
		select {
		case <-t.Done():
			return nil
		case ack := <-t.Pings():
			close(ack)
		}
	}
}

func TestTaskStartPingStop(t *testing.T) {
	r := &echoRunnable{}
	var signals []Signal
	tk := New("echo", r, func(s Signal) { signals = append(signals, s) })

	require.NoError(t, tk.Start())
	assert.True(t, r.beforeCalled)
	assert.ErrorIs(t, tk.Start(), ErrAlreadyStarted)

	assert.True(t, tk.Ping(time.Second))

	require.NoError(t, tk.Stop(true, time.Second))
	assert.True(t, r.afterCalled)
	assert.Contains(t, signals, SignalPreStart)
	assert.Contains(t, signals, SignalPostStart)
	assert.Contains(t, signals, SignalExit)
}

func TestTaskPingTimeoutAfterExit(t *testing.T) {
	r := &echoRunnable{}
	tk := New("echo2", r, nil)
	require.NoError(t, tk.Start())
	require.NoError(t, tk.Stop(true, time.Second))
	assert.False(t, tk.Ping(100*time.Millisecond))
}

func TestPeriodicTimerCancelledOnStop(t *testing.T) {
	r := &echoRunnable{}
	tk := New("timered", r, nil)
	require.NoError(t, tk.Start())

	ticks := 0
	tk.StartPeriodicTimer(10*time.Millisecond, func() { ticks++ })
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tk.Stop(true, time.Second))

	seen := ticks
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, ticks, "timer must not fire after Stop")
}
