package clusterscheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

func cpu(n float64) resource.Set {
	return resource.NewSet(map[resource.ID]resource.Quantity{resource.CPU: resource.NewQuantity(n)})
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	system := actorsys.NewSystem("scheduler-test")
	return New(system, actorsys.Addr("scheduler"))
}

func TestScheduleOnePicksBestFitNode(t *testing.T) {
	s := newTestScheduler(t)

	roomy := id.NewNodeID()
	tight := id.NewNodeID()
	s.RegisterNode(NodeResources{NodeID: roomy, Total: cpu(16), Available: cpu(16)})
	s.RegisterNode(NodeResources{NodeID: tight, Total: cpu(2), Available: cpu(2)})

	node, err := s.Schedule(Request{ID: "t1", Resources: cpu(1)}, Options{Policy: Hybrid, Scorer: BestFit})
	require.NoError(t, err)
	require.Equal(t, tight, node, "BestFit should prefer the node with the least headroom")
}

func TestScheduleOneInfeasibleWhenNoNodeCouldEverFit(t *testing.T) {
	s := newTestScheduler(t)
	small := id.NewNodeID()
	s.RegisterNode(NodeResources{NodeID: small, Total: cpu(1), Available: cpu(1)})

	_, err := s.Schedule(Request{ID: "too-big", Resources: cpu(4)}, Options{})
	require.Error(t, err)
	kindErr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.ResourceInfeasible, kindErr.Kind)
}

func TestScheduleOneUnavailableWhenFeasibleButFull(t *testing.T) {
	s := newTestScheduler(t)
	node := id.NewNodeID()
	s.RegisterNode(NodeResources{NodeID: node, Total: cpu(4), Available: cpu(0)})

	_, err := s.Schedule(Request{ID: "busy", Resources: cpu(2)}, Options{})
	require.Error(t, err)
	kindErr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.ResourceUnavailable, kindErr.Kind)
	require.True(t, kindErr.Retryable())
}

func TestScheduleOneDrainingNodeExcluded(t *testing.T) {
	s := newTestScheduler(t)
	draining := id.NewNodeID()
	s.RegisterNode(NodeResources{NodeID: draining, Total: cpu(4), Available: cpu(4), IsDraining: true})

	_, err := s.Schedule(Request{ID: "r", Resources: cpu(1)}, Options{})
	require.Error(t, err)
}

func TestScheduleGangStrictPackRequiresSingleNode(t *testing.T) {
	s := newTestScheduler(t)
	big := id.NewNodeID()
	small := id.NewNodeID()
	s.RegisterNode(NodeResources{NodeID: big, Total: cpu(8), Available: cpu(8)})
	s.RegisterNode(NodeResources{NodeID: small, Total: cpu(1), Available: cpu(1)})

	reqs := []Request{
		{ID: "bundle-0", Resources: cpu(2)},
		{ID: "bundle-1", Resources: cpu(3)},
	}
	result := s.ScheduleGang(reqs, Options{Policy: BundleStrictPack})
	require.True(t, result.OK())
	require.Equal(t, big, result.Assignment["bundle-0"])
	require.Equal(t, big, result.Assignment["bundle-1"])
}

func TestScheduleGangStrictSpreadUsesDistinctNodes(t *testing.T) {
	s := newTestScheduler(t)
	n1, n2 := id.NewNodeID(), id.NewNodeID()
	s.RegisterNode(NodeResources{NodeID: n1, Total: cpu(4), Available: cpu(4)})
	s.RegisterNode(NodeResources{NodeID: n2, Total: cpu(4), Available: cpu(4)})

	reqs := []Request{
		{ID: "bundle-0", Resources: cpu(1)},
		{ID: "bundle-1", Resources: cpu(1)},
	}
	result := s.ScheduleGang(reqs, Options{Policy: BundleStrictSpread})
	require.True(t, result.OK())
	require.NotEqual(t, result.Assignment["bundle-0"], result.Assignment["bundle-1"])
}

func TestScheduleGangStrictSpreadFailsWhenFewerNodesThanBundles(t *testing.T) {
	s := newTestScheduler(t)
	only := id.NewNodeID()
	s.RegisterNode(NodeResources{NodeID: only, Total: cpu(4), Available: cpu(4)})

	reqs := []Request{
		{ID: "bundle-0", Resources: cpu(1)},
		{ID: "bundle-1", Resources: cpu(1)},
	}
	result := s.ScheduleGang(reqs, Options{Policy: BundleStrictSpread})
	require.False(t, result.OK())
	require.Contains(t, result.Unavailable, "bundle-1")
}
