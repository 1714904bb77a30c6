// Package node wires one data-plane process: the object store (C3), its
// reference-count table (C4), local object directory (C5), pull/push
// managers (C6/C7), the cross-node object transfer surface (C8), one
// worker per locally spawned actor (C9), the per-callee submitter/queue
// pair (C10/C11), and the control-plane server (internal/control) that
// lets driftcore-gcs spawn workers and reserve this node's resources
// remotely. It is the thin bootstrap layer the rest of this tree's
// actors assume exists but never implement themselves.
package node

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/driftrun/driftcore/internal/config"
	"github.com/driftrun/driftcore/internal/control"
	"github.com/driftrun/driftcore/internal/objectdirectory"
	"github.com/driftrun/driftcore/internal/objectmanager"
	"github.com/driftrun/driftcore/internal/peerdial"
	"github.com/driftrun/driftcore/internal/plasma"
	"github.com/driftrun/driftcore/internal/pullmanager"
	"github.com/driftrun/driftcore/internal/pushmanager"
	"github.com/driftrun/driftcore/internal/refcount"
	"github.com/driftrun/driftcore/internal/submitter"
	"github.com/driftrun/driftcore/internal/taskqueue"
	"github.com/driftrun/driftcore/internal/worker"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

// Node owns every actor running in one data-plane process.
type Node struct {
	ID     id.NodeID
	System *actorsys.System

	Store      *plasma.Store
	RefCount   *refcount.Table
	Directory  *objectdirectory.Directory
	PullMgr    *pullmanager.Manager
	PushMgr    *pushmanager.Manager
	ObjectMgr  *objectmanager.Manager
	Submitter  *submitter.Submitter
	ControlSrv *control.Server

	mu      sync.Mutex
	workers map[id.WorkerID]*worker.Worker
	queues  map[id.WorkerID]*taskqueue.Queue
	actors  map[id.ActorID]id.WorkerID

	// Functions resolves a task's function descriptor to runnable Go
	// code. Real function-descriptor-to-code resolution (spec.md's
	// "function descriptor" field, distributed via code_search_path) is
	// left to the embedder; a thin bootstrap only needs a name to
	// Function lookup table.
	Functions map[string]worker.Function
}

// New wires every node-local actor under system and returns the Node
// handle. registry resolves peer node ids to dial addresses for object
// transfer; cfg supplies the chunking/backpressure/timeout knobs
// spec.md §6 names.
func New(system *actorsys.System, nodeID id.NodeID, cfg config.Config, registry *peerdial.Registry) *Node {
	n := &Node{
		ID:        nodeID,
		System:    system,
		workers:   make(map[id.WorkerID]*worker.Worker),
		queues:    make(map[id.WorkerID]*taskqueue.Queue),
		actors:    make(map[id.ActorID]id.WorkerID),
		Functions: make(map[string]worker.Function),
	}

	n.RefCount = refcount.New(system, actorsys.Addr("refcount"), n.onEvict)

	n.Store = plasma.New(system, actorsys.Addr("store"), plasma.Config{
		MemoryBudget: cfg.ObjectStoreMemory,
		OnSeal:       n.onSeal,
	})

	n.Directory = objectdirectory.New(system, actorsys.Addr("directory"), objectdirectory.NopPublisher{})

	n.ObjectMgr = objectmanager.New(nodeID, localStoreAdapter{n.Store}, peerdial.ObjectDialer{Registry: registry})

	n.PullMgr = pullmanager.New(system, actorsys.Addr("pullmgr"), directoryAdapter{n.Directory}, n.ObjectMgr, pullmanager.Config{
		MaxBytesInFlight: cfg.MaxBytesInFlight,
		PullTimeout:      cfg.PullTimeout(),
	})
	n.PushMgr = pushmanager.New(system, actorsys.Addr("pushmgr"), n.ObjectMgr, n.ObjectMgr, pushmanager.Config{
		ChunkSize:        int(cfg.ObjectChunkSize),
		MaxBytesInFlight: cfg.MaxBytesInFlight,
	})

	controlClient := control.NewClient(peerdial.ControlDialer{Registry: registry}, cfg.PullTimeout())
	n.Submitter = submitter.New(system, actorsys.Addr("submitter"), controlClient, submitter.Config{MaxPendingCalls: 64})

	available := resource.NewSet(map[resource.ID]resource.Quantity{
		resource.CPU: resource.NewQuantity(cfg.NumCPUs),
		resource.GPU: resource.NewQuantity(cfg.NumGPUs),
	})
	n.ControlSrv = control.NewServer(nodeID, workerHost{n}, control.NewLedger(available), callReceiver{n})

	return n
}

func (n *Node) onSeal(obj *plasma.Object) {
	n.RefCount.SetObjectInfo(obj.ID, obj.Size(), false)
	n.Directory.ReportLocation(obj.ID, objectdirectory.Location{NodeID: n.ID})
}

func (n *Node) onEvict(objID id.ObjectID) {
	n.Store.Delete([]id.ObjectID{objID})
	n.Directory.RemoveLocation(objID, objectdirectory.Location{NodeID: n.ID})
}

// ServeHTTP dispatches both the object-transfer and control-plane paths
// on one process, following objectmanager.Manager's own ServeHTTP
// convention per connection.
func (n *Node) ServeHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/objects", n.ObjectMgr.ServeHTTP)
	mux.HandleFunc("/control", n.ControlSrv.ServeHTTP)
}

// workerHost adapts Node to control.WorkerHost.
type workerHost struct{ n *Node }

func (h workerHost) SpawnWorker(actorID id.ActorID, wasRestarted bool) (id.WorkerID, error) {
	return h.n.spawnWorker(actorID, wasRestarted)
}

func (h workerHost) DispatchTask(workerID id.WorkerID, taskID id.TaskID, idempotent bool) error {
	return h.n.dispatchTask(workerID, taskID, idempotent)
}

func (n *Node) spawnWorker(actorID id.ActorID, wasRestarted bool) (id.WorkerID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	workerID := id.NewWorkerID()
	w := worker.New(n.System, actorsys.Addr("worker", workerID.String()), workerStoreAdapter{n.Store}, worker.Config{
		InlineThreshold: 1 << 16,
		GetTimeout:      10 * time.Second,
		DefaultPoolSize: 4,
	}, func(reason string) {
		log.WithField("worker", workerID).WithField("reason", reason).Info("node: worker exited")
	})
	n.workers[workerID] = w
	if !actorID.IsNil() {
		n.actors[actorID] = workerID
	}

	queue := taskqueue.New(n.System, actorsys.Addr("queue", workerID.String()), taskqueue.Ordered, nopDependencyWaiter{}, func(r taskqueue.Runnable) {
		n.runQueued(workerID, r)
	})
	n.queues[workerID] = queue

	_ = wasRestarted // the worker starts fresh either way; callers use this to reset their own bookkeeping
	return workerID, nil
}

func (n *Node) runQueued(workerID id.WorkerID, r taskqueue.Runnable) {
	n.mu.Lock()
	w, ok := n.workers[workerID]
	n.mu.Unlock()
	if !ok {
		return
	}
	w.Execute(worker.Request{TaskID: r.TaskID, Group: r.Group})
	r.SendReply()
}

func (n *Node) dispatchTask(workerID id.WorkerID, taskID id.TaskID, idempotent bool) error {
	n.mu.Lock()
	w, ok := n.workers[workerID]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("node: no worker %s", workerID)
	}
	w.Execute(worker.Request{TaskID: taskID})
	return nil
}

// callReceiver adapts Node to control.CallReceiver, handing an inbound
// submitter.Call off to the callee's task queue.
type callReceiver struct{ n *Node }

func (c callReceiver) Submit(callee id.Address, taskID id.TaskID, deps []id.ObjectID, group string, maxRetries int, seq, processedUpTo uint64) error {
	c.n.mu.Lock()
	q, ok := c.n.queues[callee.WorkerID]
	c.n.mu.Unlock()
	if !ok {
		return fmt.Errorf("node: no queue for worker %s", callee.WorkerID)
	}
	q.Add(taskqueue.Request{
		TaskID:         taskID,
		Caller:         callee,
		SequenceNumber: seq,
		ProcessedUpTo:  processedUpTo,
		Group:          group,
		Dependencies:   deps,
	})
	return nil
}

// nopDependencyWaiter treats every dependency as already satisfied; a
// real deployment wires this to refcount/pullmanager so a queued task's
// arguments are pulled in before it is released to run.
type nopDependencyWaiter struct{}

func (nopDependencyWaiter) Wait(deps []id.ObjectID, ready func()) (cancel func()) {
	ready()
	return func() {}
}

// directoryAdapter narrows Directory to pullmanager.Directory.
type directoryAdapter struct{ d *objectdirectory.Directory }

func (a directoryAdapter) Lookup(objID id.ObjectID) []objectdirectory.Location {
	return a.d.Lookup(objID)
}

// localStoreAdapter narrows/lifts plasma.Store to objectmanager.LocalStore:
// LocalStore.Create returns ObjectHandle, an interface plasma.Object
// already satisfies structurally, but plasma.Store.Create returns the
// concrete *plasma.Object so the two signatures aren't interchangeable
// without this adapter.
type localStoreAdapter struct{ s *plasma.Store }

func (a localStoreAdapter) Create(objID id.ObjectID, dataSize, metadataSize int, owner id.Address) (objectmanager.ObjectHandle, error) {
	return a.s.Create(objID, dataSize, metadataSize, owner)
}
func (a localStoreAdapter) Seal(objID id.ObjectID) error               { return a.s.Seal(objID) }
func (a localStoreAdapter) ReadObject(objID id.ObjectID) ([]byte, error) { return a.s.ReadObject(objID) }
func (a localStoreAdapter) Free(ids []id.ObjectID, localOnly bool)     { a.s.Free(ids, localOnly) }

// workerStoreAdapter narrows/reshapes plasma.Store to worker.ObjectStore,
// converting plasma.GetResult (which carries a *plasma.Object) to
// worker.GetResult (which carries the object's raw bytes), since worker
// deliberately doesn't import plasma.
type workerStoreAdapter struct{ s *plasma.Store }

func (a workerStoreAdapter) Get(ids []id.ObjectID, timeout time.Duration) []worker.GetResult {
	results := a.s.Get(ids, timeout)
	out := make([]worker.GetResult, len(results))
	for i, r := range results {
		out[i] = worker.GetResult{ID: r.ID, Pending: r.Pending}
		if r.Object != nil {
			out[i].Data = r.Object.Data
		}
	}
	return out
}

func (a workerStoreAdapter) CreateAndSeal(objID id.ObjectID, data []byte, owner id.Address) error {
	return a.s.CreateAndSeal(objID, data, owner)
}
