package gcs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/pkg/actorsys"
)

func newSystem(t *testing.T) *actorsys.System {
	t.Helper()
	return actorsys.NewSystem("gcs-test")
}

func TestPutThenGet(t *testing.T) {
	system := newSystem(t)
	table := NewTable[ActorRow](system, actorsys.Addr("actors"), "actors", nil)

	require.NoError(t, table.Put(ActorRow{ID: "a1", State: "ALIVE", Address: "node1:1", NumRestarts: 0}))

	row, ok := table.Get("a1")
	require.True(t, ok)
	require.Equal(t, "ALIVE", row.State)
}

func TestSubscribeReceivesNotificationOnPut(t *testing.T) {
	system := newSystem(t)
	table := NewTable[ActorRow](system, actorsys.Addr("actors"), "actors", nil)

	sub := table.Subscribe()
	defer sub.Cancel()

	require.NoError(t, table.Put(ActorRow{ID: "a1", State: "ALIVE", Address: "node1:1"}))

	select {
	case n := <-sub.C():
		require.Equal(t, "a1", n.Record.ID)
		require.False(t, n.Removed)
	case <-time.After(time.Second):
		t.Fatal("expected a notification after Put")
	}
}

func TestDeletePublishesRemoved(t *testing.T) {
	system := newSystem(t)
	table := NewTable[ActorRow](system, actorsys.Addr("actors"), "actors", nil)
	require.NoError(t, table.Put(ActorRow{ID: "a1", State: "ALIVE"}))

	sub := table.Subscribe()
	defer sub.Cancel()

	require.NoError(t, table.Delete("a1"))

	select {
	case n := <-sub.C():
		require.True(t, n.Removed)
		require.Equal(t, "a1", n.Record.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a removal notification after Delete")
	}

	_, ok := table.Get("a1")
	require.False(t, ok)
}

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Save("actors", "a1", []byte(`{"id":"a1"}`)))
	data, err := backend.Load("actors", "a1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"a1"}`, string(data))

	require.NoError(t, backend.Delete("actors", "a1"))
	_, err = backend.Load("actors", "a1")
	require.Error(t, err)
}

func TestActorCacheTracksAddressAndState(t *testing.T) {
	system := newSystem(t)
	table := NewTable[ActorRow](system, actorsys.Addr("actors"), "actors", nil)
	sub := table.Subscribe()
	cache := NewActorCache(sub)

	require.NoError(t, table.Put(ActorRow{ID: "a1", State: "ALIVE", Address: "node1:1"}))

	require.Eventually(t, func() bool {
		addr, ok := cache.Address("a1")
		return ok && addr == "node1:1"
	}, time.Second, time.Millisecond)

	require.NoError(t, table.Delete("a1"))
	require.Eventually(t, func() bool {
		_, ok := cache.Address("a1")
		return !ok
	}, time.Second, time.Millisecond)
}
