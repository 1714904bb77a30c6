package control

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/internal/actormgr"
	"github.com/driftrun/driftcore/internal/submitter"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

type fakeHost struct {
	nextWorker  id.WorkerID
	spawnErr    error
	dispatched  []id.TaskID
	dispatchErr error
}

type fakeCalls struct {
	submitted []id.TaskID
}

func (f *fakeCalls) Submit(callee id.Address, taskID id.TaskID, deps []id.ObjectID, group string, maxRetries int, seq, processedUpTo uint64) error {
	f.submitted = append(f.submitted, taskID)
	return nil
}

func (f *fakeHost) SpawnWorker(actorID id.ActorID, wasRestarted bool) (id.WorkerID, error) {
	if f.spawnErr != nil {
		return id.WorkerID{}, f.spawnErr
	}
	return f.nextWorker, nil
}

func (f *fakeHost) DispatchTask(workerID id.WorkerID, taskID id.TaskID, idempotent bool) error {
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatched = append(f.dispatched, taskID)
	return nil
}

func cpu(n float64) resource.Set {
	return resource.NewSet(map[resource.ID]resource.Quantity{resource.CPU: resource.NewQuantity(n)})
}

func TestServerHandleSpawnWorker(t *testing.T) {
	nodeID := id.NewNodeID()
	workerID := id.NewWorkerID()
	host := &fakeHost{nextWorker: workerID}
	ledger := NewLedger(cpu(4))
	server := NewServer(nodeID, host, ledger, &fakeCalls{})

	reply := server.handle(Message{Kind: SpawnWorker, RequestID: "r1", ActorID: id.NewActorID()})
	require.Equal(t, SpawnWorkerAck, reply.Kind)
	require.Equal(t, "r1", reply.RequestID)
	require.Empty(t, reply.Error)
	require.Equal(t, nodeID, reply.Address.NodeID)
	require.Equal(t, workerID, reply.Address.WorkerID)
}

func TestServerHandleDispatchTask(t *testing.T) {
	nodeID := id.NewNodeID()
	taskID := id.NewTaskID()
	host := &fakeHost{}
	server := NewServer(nodeID, host, NewLedger(cpu(4)), &fakeCalls{})

	reply := server.handle(Message{Kind: DispatchTask, Address: id.Address{WorkerID: id.NewWorkerID()}, TaskID: taskID})
	require.Equal(t, DispatchTaskAck, reply.Kind)
	require.Empty(t, reply.Error)
	require.Equal(t, []id.TaskID{taskID}, host.dispatched)
}

func TestServerHandleSubmitCall(t *testing.T) {
	nodeID := id.NewNodeID()
	taskID := id.NewTaskID()
	calls := &fakeCalls{}
	server := NewServer(nodeID, &fakeHost{}, NewLedger(cpu(4)), calls)

	reply := server.handle(Message{Kind: SubmitCall, TaskID: taskID, SequenceNumber: 1})
	require.Equal(t, SubmitCallAck, reply.Kind)
	require.Empty(t, reply.Error)
	require.Equal(t, []id.TaskID{taskID}, calls.submitted)
}

func TestServerHandlePrepareInsufficientResources(t *testing.T) {
	nodeID := id.NewNodeID()
	server := NewServer(nodeID, &fakeHost{}, NewLedger(cpu(1)), &fakeCalls{})

	pg := id.NewPlacementGroupID()
	reply := server.handle(Message{Kind: PrepareBundle, PlacementGroup: pg, BundleIndex: 0, Resources: cpu(4)})
	require.Equal(t, PrepareBundleAck, reply.Kind)
	require.NotEmpty(t, reply.Error)
}

func TestLedgerPrepareCommitReturn(t *testing.T) {
	ledger := NewLedger(cpu(4))
	pg := id.NewPlacementGroupID()

	require.NoError(t, ledger.Prepare(pg, 0, cpu(2)))
	require.NoError(t, ledger.Commit(pg, 0))
	require.NoError(t, ledger.Return(pg, 0))

	// Return restores what Prepare deducted, so the full 4 CPUs are
	// available again for a new bundle.
	require.NoError(t, ledger.Prepare(pg, 1, cpu(4)))
}

func TestLedgerInstallAndRemoveVirtual(t *testing.T) {
	ledger := NewLedger(cpu(4))
	pg := id.NewPlacementGroupID()

	require.NoError(t, ledger.InstallVirtual(pg, 0, cpu(2)))
	require.NoError(t, ledger.Prepare(pg, 1, cpu(5))) // installed virtual capacity makes this feasible
	require.NoError(t, ledger.RemoveVirtual(pg, 0))
}

func TestDispatcherInterfaceSatisfied(t *testing.T) {
	var _ actormgr.Dispatcher = (*Client)(nil)
	var _ actormgr.Spawner = (*Client)(nil)
	var _ submitter.Transport = (*Client)(nil)
}
