package actormgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/internal/clusterscheduler"
	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

func cpu(n float64) resource.Set {
	return resource.NewSet(map[resource.ID]resource.Quantity{resource.CPU: resource.NewQuantity(n)})
}

type fakeScheduler struct {
	node id.NodeID
	err  error
}

func (f *fakeScheduler) Schedule(clusterscheduler.Request, clusterscheduler.Options) (id.NodeID, error) {
	if f.err != nil {
		return id.NodeID{}, f.err
	}
	return f.node, nil
}

type spawnCall struct {
	node         id.NodeID
	actorID      id.ActorID
	wasRestarted bool
}

type fakeSpawner struct {
	mu    sync.Mutex
	calls []spawnCall
	addr  id.Address
}

func (f *fakeSpawner) SpawnWorker(node id.NodeID, actorID id.ActorID, wasRestarted bool) (id.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spawnCall{node: node, actorID: actorID, wasRestarted: wasRestarted})
	return f.addr, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	tasks    []id.TaskID
	failNext bool
}

func (f *fakeDispatcher) Dispatch(_ id.Address, task Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errkind.New(errkind.Transient, "dispatch failed")
	}
	f.tasks = append(f.tasks, task.ID)
	return nil
}

type immediateWaiter struct{}

func (immediateWaiter) Wait(_ []id.ObjectID, ready func()) func() {
	ready()
	return func() {}
}

type blockingWaiter struct {
	cancelled bool
}

func (b *blockingWaiter) Wait(_ []id.ObjectID, _ func()) func() {
	return func() { b.cancelled = true }
}

type fakeTombstones struct {
	mu          sync.Mutex
	published   []id.ActorID
	numRestarts []int
}

func (f *fakeTombstones) PublishTombstone(actorID id.ActorID, numRestarts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, actorID)
	f.numRestarts = append(f.numRestarts, numRestarts)
	return nil
}

func newTestManager(t *testing.T, scheduler Scheduler, spawner Spawner, dispatcher Dispatcher, tombstones TombstonePublisher) *Manager {
	t.Helper()
	system := actorsys.NewSystem("actormgr-test")
	return New(system, actorsys.Addr("actormgr"), immediateWaiter{}, scheduler, spawner, dispatcher, tombstones, Config{HeartbeatTimeout: time.Hour})
}

func TestCreateActorReachesAlive(t *testing.T) {
	node := id.NewNodeID()
	spawner := &fakeSpawner{}
	mgr := newTestManager(t, &fakeScheduler{node: node}, spawner, &fakeDispatcher{}, nil)

	actorID := id.NewActorID()
	mgr.CreateActor(actorID, nil, cpu(1), RestartPolicy{MaxRestarts: 2})

	require.Eventually(t, func() bool {
		return mgr.State(actorID) == Alive
	}, time.Second, time.Millisecond)

	require.Len(t, spawner.calls, 1)
	require.False(t, spawner.calls[0].wasRestarted)
}

func TestSubmitTaskDispatchesWhenAlive(t *testing.T) {
	node := id.NewNodeID()
	dispatcher := &fakeDispatcher{}
	mgr := newTestManager(t, &fakeScheduler{node: node}, &fakeSpawner{}, dispatcher, nil)

	actorID := id.NewActorID()
	mgr.CreateActor(actorID, nil, cpu(1), RestartPolicy{MaxRestarts: 1})
	require.Eventually(t, func() bool { return mgr.State(actorID) == Alive }, time.Second, time.Millisecond)

	taskID := id.NewTaskID()
	err := mgr.SubmitTask(actorID, Task{ID: taskID, Idempotent: true})
	require.NoError(t, err)
	require.Contains(t, dispatcher.tasks, taskID)
}

func TestSubmitTaskAfterDeathReturnsActorDied(t *testing.T) {
	node := id.NewNodeID()
	mgr := newTestManager(t, &fakeScheduler{node: node}, &fakeSpawner{}, &fakeDispatcher{}, nil)

	actorID := id.NewActorID()
	mgr.CreateActor(actorID, nil, cpu(1), RestartPolicy{MaxRestarts: 0})
	require.Eventually(t, func() bool { return mgr.State(actorID) == Alive }, time.Second, time.Millisecond)

	mgr.Kill(actorID)
	require.Eventually(t, func() bool { return mgr.State(actorID) == Dead }, time.Second, time.Millisecond)

	err := mgr.SubmitTask(actorID, Task{ID: id.NewTaskID()})
	require.Error(t, err)
	kindErr, ok := errkind.As(err)
	require.True(t, ok)
	require.Equal(t, errkind.ActorDied, kindErr.Kind)
}

func TestWorkerDiedRestartsAndFlagsWasRestarted(t *testing.T) {
	node := id.NewNodeID()
	spawner := &fakeSpawner{}
	mgr := newTestManager(t, &fakeScheduler{node: node}, spawner, &fakeDispatcher{}, nil)

	actorID := id.NewActorID()
	mgr.CreateActor(actorID, nil, cpu(1), RestartPolicy{MaxRestarts: 1})
	require.Eventually(t, func() bool { return mgr.State(actorID) == Alive }, time.Second, time.Millisecond)

	mgr.WorkerDied(actorID)
	require.Eventually(t, func() bool { return mgr.State(actorID) == Alive }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		spawner.mu.Lock()
		defer spawner.mu.Unlock()
		return len(spawner.calls) == 2 && spawner.calls[1].wasRestarted
	}, time.Second, time.Millisecond)
}

func TestWorkerDiedExhaustsRestartBudgetAndPublishesTombstone(t *testing.T) {
	node := id.NewNodeID()
	tombstones := &fakeTombstones{}
	mgr := newTestManager(t, &fakeScheduler{node: node}, &fakeSpawner{}, &fakeDispatcher{}, tombstones)

	actorID := id.NewActorID()
	mgr.CreateActor(actorID, nil, cpu(1), RestartPolicy{MaxRestarts: 0})
	require.Eventually(t, func() bool { return mgr.State(actorID) == Alive }, time.Second, time.Millisecond)

	mgr.WorkerDied(actorID)

	require.Eventually(t, func() bool {
		return mgr.State(actorID) == Dead
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		tombstones.mu.Lock()
		defer tombstones.mu.Unlock()
		return len(tombstones.published) == 1 && tombstones.published[0] == actorID
	}, time.Second, time.Millisecond)
}

func TestCreateActorBuffersDuringDependenciesUnready(t *testing.T) {
	node := id.NewNodeID()
	dispatcher := &fakeDispatcher{}
	waiter := &blockingWaiter{}
	system := actorsys.NewSystem("actormgr-test")
	mgr := New(system, actorsys.Addr("actormgr"), waiter, &fakeScheduler{node: node}, &fakeSpawner{}, dispatcher, nil, Config{HeartbeatTimeout: time.Hour})

	actorID := id.NewActorID()
	mgr.CreateActor(actorID, []id.ObjectID{{}}, cpu(1), RestartPolicy{MaxRestarts: 1})
	require.Equal(t, DependenciesUnready, mgr.State(actorID))

	done := make(chan error, 1)
	taskID := id.NewTaskID()
	go func() {
		done <- mgr.SubmitTask(actorID, Task{ID: taskID})
	}()

	select {
	case <-done:
		t.Fatal("submit should block while dependencies are unready")
	case <-time.After(50 * time.Millisecond):
	}
}
