package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppGetDefaultIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	a1, err := s.Apps.GetDefault()
	require.NoError(t, err)
	a2, err := s.Apps.GetDefault()
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)
	assert.Equal(t, DefaultAppName, a1.Name)
}

func TestInstanceAddRejectsBadConcurrency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Instances.Add(NewInstanceParams{Name: "n1", MaxConcurrency: 1, MinConcurrency: 2})
	assert.ErrorIs(t, err, ErrInvalidConcurrency)
}

func TestInstanceAddIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	i1, err := s.Instances.Add(NewInstanceParams{Name: "n1", MaxConcurrency: 2, MinConcurrency: 1})
	require.NoError(t, err)

	i2, err := s.Instances.Add(NewInstanceParams{Name: "n1", MaxConcurrency: 2, MinConcurrency: 1})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, i1.ID, i2.ID)
}

func TestInstanceQueueSetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	inst, err := s.Instances.Add(NewInstanceParams{
		Name: "n1", MaxConcurrency: 2, MinConcurrency: 1,
		Queues: []string{"q1", "q2", "q1"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q1", "q2"}, inst.QueueNames())
	assert.Equal(t, "dq.n1", inst.DirectQueue())

	require.NoError(t, s.Instances.AddQueue(inst, "q3"))
	assert.ElementsMatch(t, []string{"q1", "q2", "q3"}, inst.QueueNames())

	require.NoError(t, s.Instances.RemoveQueue(inst, "q2"))
	assert.ElementsMatch(t, []string{"q1", "q3"}, inst.QueueNames())
}

func TestRemoveQueueFromInstances(t *testing.T) {
	s := newTestStore(t)
	i1, err := s.Instances.Add(NewInstanceParams{Name: "n1", MaxConcurrency: 1, MinConcurrency: 1, Queues: []string{"q1", "q2"}})
	require.NoError(t, err)
	_, err = s.Instances.Add(NewInstanceParams{Name: "n2", MaxConcurrency: 1, MinConcurrency: 1, Queues: []string{"q2"}})
	require.NoError(t, err)

	q, err := s.Queues.GetOrCreate("q2")
	require.NoError(t, err)

	mutated, err := s.Instances.RemoveQueueFromInstances(q, "")
	require.NoError(t, err)
	assert.Len(t, mutated, 2)

	reloaded, err := s.Instances.Get("n1")
	require.NoError(t, err)
	assert.NotContains(t, reloaded.QueueNames(), "q2")
	assert.Equal(t, i1.Name, reloaded.Name)
}

func TestQueueGetOrCreateDefaultsExchange(t *testing.T) {
	s := newTestStore(t)
	q, err := s.Queues.GetOrCreate("q1")
	require.NoError(t, err)
	assert.Equal(t, "q1", q.Exchange)
	assert.Equal(t, "direct", q.ExchangeType)

	q2, err := s.Queues.GetOrCreate("q1")
	require.NoError(t, err)
	assert.Equal(t, q.ID, q2.ID)
}

func TestBrokerGetDefault(t *testing.T) {
	s := newTestStore(t)
	b1, err := s.Brokers.GetDefault()
	require.NoError(t, err)
	b2, err := s.Brokers.GetDefault()
	require.NoError(t, err)
	assert.Equal(t, b1.ID, b2.ID)
}
