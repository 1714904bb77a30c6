package placement

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/internal/clusterscheduler"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

var errTest = errors.New("fake prepare failure")

func cpu(n float64) resource.Set {
	return resource.NewSet(map[resource.ID]resource.Quantity{resource.CPU: resource.NewQuantity(n)})
}

type fakeScheduler struct {
	assignment map[string]id.NodeID
	infeasible []string
}

func (f *fakeScheduler) ScheduleGang(reqs []clusterscheduler.Request, _ clusterscheduler.Options) clusterscheduler.SchedulingResult {
	result := clusterscheduler.SchedulingResult{Assignment: make(map[string]id.NodeID)}
	for _, r := range reqs {
		for _, bad := range f.infeasible {
			if bad == r.ID {
				result.Infeasible = append(result.Infeasible, r.ID)
			}
		}
		if node, ok := f.assignment[r.ID]; ok {
			result.Assignment[r.ID] = node
		}
	}
	return result
}

type fakeNodes struct {
	mu        sync.Mutex
	prepared  []string
	committed []string
	returned  []string
	failNode  id.NodeID
}

func key(node id.NodeID, pg id.PlacementGroupID, idx int) string {
	return node.String() + "/" + pg.String() + "/" + strconv.Itoa(idx)
}

func (f *fakeNodes) PrepareBundleResources(node id.NodeID, pg id.PlacementGroupID, idx int, _ resource.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node == f.failNode {
		return errTest
	}
	f.prepared = append(f.prepared, key(node, pg, idx))
	return nil
}

func (f *fakeNodes) CommitBundleResources(node id.NodeID, pg id.PlacementGroupID, idx int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, key(node, pg, idx))
	return nil
}

func (f *fakeNodes) ReturnBundleResources(node id.NodeID, pg id.PlacementGroupID, idx int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returned = append(f.returned, key(node, pg, idx))
	return nil
}

type recordingInstaller struct {
	mu        sync.Mutex
	installed int
	removed   int
}

func (r *recordingInstaller) InstallVirtualResources(id.NodeID, id.PlacementGroupID, int, resource.Set) error {
	r.mu.Lock()
	r.installed++
	r.mu.Unlock()
	return nil
}

func (r *recordingInstaller) RemoveVirtualResources(id.NodeID, id.PlacementGroupID, int) error {
	r.mu.Lock()
	r.removed++
	r.mu.Unlock()
	return nil
}

func TestCreatePlacementGroupCommitsAllBundles(t *testing.T) {
	node := id.NewNodeID()
	sched := &fakeScheduler{assignment: map[string]id.NodeID{"bundle-0": node, "bundle-1": node}}
	nodes := &fakeNodes{}
	installer := &recordingInstaller{}

	system := actorsys.NewSystem("placement-test")
	mgr := New(system, actorsys.Addr("placement"), sched, nodes, installer, Config{})

	pgID := id.NewPlacementGroupID()
	err := mgr.CreatePlacementGroup(pgID, []Bundle{{Index: 0, Resources: cpu(1)}, {Index: 1, Resources: cpu(1)}})
	require.NoError(t, err)
	require.Equal(t, Committed, mgr.State(pgID))
	require.Len(t, nodes.committed, 2)
	require.Equal(t, 2, installer.installed)
}

func TestCreatePlacementGroupInfeasibleFails(t *testing.T) {
	sched := &fakeScheduler{infeasible: []string{"bundle-0"}}
	nodes := &fakeNodes{}

	system := actorsys.NewSystem("placement-test")
	mgr := New(system, actorsys.Addr("placement"), sched, nodes, nil, Config{})

	pgID := id.NewPlacementGroupID()
	err := mgr.CreatePlacementGroup(pgID, []Bundle{{Index: 0, Resources: cpu(100)}})
	require.Error(t, err)
	require.Equal(t, Removed, mgr.State(pgID))
}

func TestRemovePlacementGroupReturnsResources(t *testing.T) {
	node := id.NewNodeID()
	sched := &fakeScheduler{assignment: map[string]id.NodeID{"bundle-0": node}}
	nodes := &fakeNodes{}

	system := actorsys.NewSystem("placement-test")
	mgr := New(system, actorsys.Addr("placement"), sched, nodes, nil, Config{})

	pgID := id.NewPlacementGroupID()
	require.NoError(t, mgr.CreatePlacementGroup(pgID, []Bundle{{Index: 0, Resources: cpu(1)}}))

	mgr.RemovePlacementGroup(pgID)
	require.Eventually(t, func() bool {
		return mgr.State(pgID) == Removed
	}, time.Second, time.Millisecond)
	require.Len(t, nodes.returned, 1)
}

func TestNodeDiedTriggersReschedule(t *testing.T) {
	nodeA := id.NewNodeID()
	nodeB := id.NewNodeID()
	sched := &fakeScheduler{assignment: map[string]id.NodeID{"bundle-0": nodeA}}
	nodes := &fakeNodes{}

	system := actorsys.NewSystem("placement-test")
	mgr := New(system, actorsys.Addr("placement"), sched, nodes, nil, Config{})

	pgID := id.NewPlacementGroupID()
	require.NoError(t, mgr.CreatePlacementGroup(pgID, []Bundle{{Index: 0, Resources: cpu(1)}}))
	require.Equal(t, Committed, mgr.State(pgID))

	sched.assignment["bundle-0"] = nodeB
	mgr.NodeDied(nodeA)

	require.Eventually(t, func() bool {
		return mgr.State(pgID) == Committed
	}, time.Second, time.Millisecond)

	found := false
	for _, k := range nodes.committed {
		if k == key(nodeB, pgID, 0) {
			found = true
		}
	}
	require.True(t, found, "expected bundle to be recommitted on the replacement node")
}
