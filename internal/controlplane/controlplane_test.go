package controlplane

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/internal/clusterscheduler"
	"github.com/driftrun/driftcore/internal/gcs"
	"github.com/driftrun/driftcore/internal/peerdial"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

func TestNewWiresEveryTableAndActor(t *testing.T) {
	system := actorsys.NewSystem("controlplane-test")
	cp := New(system, peerdial.NewRegistry(), Config{})

	require.NotNil(t, cp.Scheduler)
	require.NotNil(t, cp.Placement)
	require.NotNil(t, cp.Actors)
	require.NotNil(t, cp.ActorsTable)
	require.NotNil(t, cp.ActorCache)
}

func TestRegisterNodeUpdatesSchedulerAndTable(t *testing.T) {
	system := actorsys.NewSystem("controlplane-test")
	cp := New(system, peerdial.NewRegistry(), Config{})

	nodeID := id.NewNodeID()
	cpuSet := resource.NewSet(map[resource.ID]resource.Quantity{resource.CPU: resource.NewQuantity(4)})
	require.NoError(t, cp.RegisterNode(
		gcs.NodeRow{ID: nodeID.String(), Address: "127.0.0.1:6380"},
		clusterscheduler.NodeResources{NodeID: nodeID, Total: cpuSet, Available: cpuSet},
	))

	row, ok := cp.NodesTable.Get(nodeID.String())
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:6380", row.Address)

	got, err := cp.Scheduler.Schedule(clusterscheduler.Request{ID: "r", Resources: cpuSet}, clusterscheduler.Options{})
	require.NoError(t, err)
	require.Equal(t, nodeID, got)
}

func TestPublishTombstoneWritesActorRow(t *testing.T) {
	system := actorsys.NewSystem("controlplane-test")
	cp := New(system, peerdial.NewRegistry(), Config{})

	actorID := id.NewActorID()
	require.NoError(t, tombstones{cp}.PublishTombstone(actorID, 3))

	row, ok := cp.ActorsTable.Get(actorID.String())
	require.True(t, ok)
	require.Equal(t, "DEAD", row.State)
	require.Equal(t, 3, row.NumRestarts)
}
