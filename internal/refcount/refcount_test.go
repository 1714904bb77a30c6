package refcount

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

func newTestTable(t *testing.T, onEvict EvictCallback) *Table {
	t.Helper()
	system := actorsys.NewSystem("refcount-test")
	return New(system, actorsys.Addr("refcount"), onEvict)
}

func TestRemovingLastLocalRefEvictsObject(t *testing.T) {
	evicted := make(chan id.ObjectID, 1)
	table := newTestTable(t, func(objID id.ObjectID) { evicted <- objID })

	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)

	table.AddLocalRef(objID)
	table.RemoveLocalRef(objID)

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("expected eviction after last local ref removed")
	}
}

func TestSubmittedTaskRefDelaysEviction(t *testing.T) {
	evicted := make(chan id.ObjectID, 1)
	table := newTestTable(t, func(objID id.ObjectID) { evicted <- objID })

	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)

	table.AddLocalRef(objID)
	table.AddSubmittedTaskRef(objID)
	table.RemoveLocalRef(objID)

	select {
	case <-evicted:
		t.Fatal("should not evict while a submitted task ref remains")
	case <-time.After(50 * time.Millisecond):
	}

	table.RemoveSubmittedTaskRef(objID, nil)
	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("expected eviction once the submitted ref is released")
	}
}

func TestContainmentKeepsInnerAlive(t *testing.T) {
	evicted := make(chan id.ObjectID, 2)
	table := newTestTable(t, func(objID id.ObjectID) { evicted <- objID })

	owner := id.NewTaskID()
	outer := id.ObjectIDFromIndex(owner, 1)
	inner := id.ObjectIDFromIndex(owner, 2)

	table.AddLocalRef(outer)
	table.AddLocalRef(inner)
	table.AddContains(outer, inner)
	table.RemoveLocalRef(inner)

	snap := table.Snapshot(inner)
	require.Equal(t, inner, snap.ID)
	select {
	case objID := <-evicted:
		t.Fatalf("object %s evicted while outer still holds inner", objID)
	default:
	}
}

func TestOwnerDiedMarksSnapshot(t *testing.T) {
	table := newTestTable(t, nil)
	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)
	table.AddLocalRef(objID)

	table.OwnerDied([]id.ObjectID{objID})

	snap := table.Snapshot(objID)
	require.True(t, snap.OwnerDied)
}
