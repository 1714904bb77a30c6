package pullmanager

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/internal/objectdirectory"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

type fakeDirectory struct {
	locations map[id.ObjectID][]objectdirectory.Location
}

func (d *fakeDirectory) Lookup(objID id.ObjectID) []objectdirectory.Location {
	return d.locations[objID]
}

type fakePuller struct {
	fail map[id.NodeID]bool
}

func (p *fakePuller) Pull(objID id.ObjectID, from id.NodeID) error {
	if p.fail[from] {
		return errFakeTransfer
	}
	return nil
}

var errFakeTransfer = errors.New("fake transfer failure")

func TestPullSucceedsFromFirstLocation(t *testing.T) {
	node := id.NewNodeID()
	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)

	dir := &fakeDirectory{locations: map[id.ObjectID][]objectdirectory.Location{
		objID: {{NodeID: node}},
	}}
	puller := &fakePuller{fail: map[id.NodeID]bool{}}

	system := actorsys.NewSystem("pull-test")
	mgr := New(system, actorsys.Addr("pull"), dir, puller, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Pull(objID, PriorityWorkerRequest) }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pull did not complete")
	}
}

func TestPullExhaustsLocationsReturnsObjectLost(t *testing.T) {
	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)

	dir := &fakeDirectory{locations: map[id.ObjectID][]objectdirectory.Location{
		objID: {},
	}}
	puller := &fakePuller{}

	system := actorsys.NewSystem("pull-test")
	mgr := New(system, actorsys.Addr("pull"), dir, puller, Config{})

	err := mgr.Pull(objID, PriorityGetRequest)
	require.Error(t, err)
	kindErr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.ObjectLost, kindErr.Kind)
}
