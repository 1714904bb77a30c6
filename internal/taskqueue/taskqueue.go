// Package taskqueue implements C11 of spec.md §4.7: the per-callee
// admission queue that enforces strict sequence-number ordering per
// caller, holds tasks until their object dependencies resolve, and
// releases them to the executor either one at a time (Ordered) or as
// soon as each is ready (OutOfOrder).
package taskqueue

import (
	"sort"

	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// Callbacks a caller supplies when adding a request.
type Callbacks struct {
	// Accept is invoked once the request is admitted (its sequence
	// number matches next_expected); it does not mean dependencies are
	// resolved yet.
	Accept func()
	// Reject is invoked if the request is dropped as stale
	// (sequence_number < client_processed_up_to) or cancelled.
	Reject func(reason string)
	// SendReply is invoked once the task has actually run and produced a
	// reply to send back to the caller.
	SendReply func()
}

// Request is one callee-bound task admission request.
type Request struct {
	TaskID         id.TaskID
	Caller         id.Address
	SequenceNumber uint64
	ProcessedUpTo  uint64
	Group          string
	Dependencies   []id.ObjectID
	Callbacks      Callbacks
}

// DependencyWaiter resolves a task's object dependencies, notifying the
// queue when every dependency becomes locally available. Implementations
// are supplied by the caller; internal/node passes one that reports every
// dependency ready at once.
type DependencyWaiter interface {
	// Wait starts watching deps and calls ready once every one of them is
	// locally available. The returned cancel function stops watching.
	Wait(deps []id.ObjectID, ready func()) (cancel func())
}

// Mode selects Ordered vs. OutOfOrder release semantics.
type Mode int

const (
	Ordered Mode = iota
	OutOfOrder
)

// Runnable is a task that has cleared admission and dependency waiting
// and is ready for the worker to execute.
type Runnable struct {
	TaskID    id.TaskID
	Group     string
	SendReply func()
}

// Queue is a handle to a running per-callee task queue actor.
type Queue struct {
	ref *actorsys.Ref
}

// New starts a queue actor under system at address. ready is called
// (from the queue's own goroutine) whenever a task becomes runnable, in
// the order the mode dictates.
func New(system *actorsys.System, address actorsys.Address, mode Mode, waiter DependencyWaiter, ready func(Runnable)) *Queue {
	impl := &queueActor{
		mode:         mode,
		waiter:       waiter,
		ready:        ready,
		nextExpected: make(map[id.Address]uint64),
		buffered:     make(map[id.Address]map[uint64]*pendingRequest),
		pendingOrder: make(map[id.Address][]uint64),
		byTaskID:     make(map[id.TaskID]*pendingRequest),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Queue{ref: ref}
}

type pendingRequest struct {
	req          Request
	depsResolved bool
	cancelWait   func()
	released     bool
}

type (
	addMsg    struct{ req Request }
	cancelMsg struct{ taskID id.TaskID }
	depsReadyMsg struct{ taskID id.TaskID }
	stopMsg      struct{}
)

// Add submits a new admission request.
func (q *Queue) Add(req Request) {
	q.ref.System().Tell(q.ref, addMsg{req: req})
}

// CancelTaskIfFound removes taskID from the queue if it is still
// pending, firing its Reject callback.
func (q *Queue) CancelTaskIfFound(taskID id.TaskID) {
	q.ref.System().Tell(q.ref, cancelMsg{taskID: taskID})
}

// Stop tears down the queue, rejecting every still-pending request.
func (q *Queue) Stop() {
	q.ref.System().Tell(q.ref, stopMsg{})
	q.ref.Stop()
}

type queueActor struct {
	mode   Mode
	waiter DependencyWaiter
	ready  func(Runnable)

	// nextExpected is the next sequence number this queue will admit,
	// per caller.
	nextExpected map[id.Address]uint64
	// buffered holds requests that arrived out of sequence order, keyed
	// by caller then sequence number, until the hole is filled.
	buffered map[id.Address]map[uint64]*pendingRequest
	// pendingOrder tracks per-caller admitted-but-not-yet-runnable
	// sequence numbers in arrival order, used by Ordered mode to decide
	// whose turn it is next.
	pendingOrder map[id.Address][]uint64
	byTaskID     map[id.TaskID]*pendingRequest
	selfRef      *actorsys.Ref
}

func (a *queueActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.selfRef = ctx.Self()
		return nil
	case addMsg:
		a.add(m.req)
	case cancelMsg:
		a.cancel(m.taskID)
	case depsReadyMsg:
		a.markReady(m.taskID)
	case stopMsg:
		a.stop()
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *queueActor) add(req Request) {
	expected := a.nextExpected[req.Caller]
	if req.SequenceNumber < req.ProcessedUpTo {
		if req.Callbacks.Reject != nil {
			req.Callbacks.Reject("stale: sequence_number below client_processed_up_to")
		}
		return
	}
	if req.SequenceNumber != expected {
		// Out of order: buffer until the hole is filled.
		bucket, ok := a.buffered[req.Caller]
		if !ok {
			bucket = make(map[uint64]*pendingRequest)
			a.buffered[req.Caller] = bucket
		}
		bucket[req.SequenceNumber] = &pendingRequest{req: req}
		return
	}
	a.admit(req)
	a.drainBuffered(req.Caller)
}

// drainBuffered advances nextExpected through any contiguous run of
// previously-buffered requests now unblocked by the just-admitted one.
func (a *queueActor) drainBuffered(caller id.Address) {
	bucket := a.buffered[caller]
	for {
		expected := a.nextExpected[caller]
		pending, ok := bucket[expected]
		if !ok {
			return
		}
		delete(bucket, expected)
		a.admit(pending.req)
	}
}

func (a *queueActor) admit(req Request) {
	a.nextExpected[req.Caller] = req.SequenceNumber + 1
	if req.Callbacks.Accept != nil {
		req.Callbacks.Accept()
	}
	pr := &pendingRequest{req: req}
	a.byTaskID[req.TaskID] = pr
	a.pendingOrder[req.Caller] = append(a.pendingOrder[req.Caller], req.SequenceNumber)

	if len(req.Dependencies) == 0 {
		a.onDepsReady(pr)
		return
	}
	self := a.self()
	system := self.System()
	taskID := req.TaskID
	pr.cancelWait = a.waiter.Wait(req.Dependencies, func() {
		system.Tell(self, depsReadyMsg{taskID: taskID})
	})
}

func (a *queueActor) markReady(taskID id.TaskID) {
	pr, ok := a.byTaskID[taskID]
	if !ok {
		return
	}
	a.onDepsReady(pr)
}

func (a *queueActor) onDepsReady(pr *pendingRequest) {
	pr.depsResolved = true
	if a.mode == OutOfOrder {
		a.release(pr)
		return
	}
	a.releaseInOrder(pr.req.Caller)
}

// releaseInOrder releases the head of caller's admitted queue if it is
// both next-in-line and dependency-resolved, per Ordered mode's "one at
// a time, in sequence order" rule.
func (a *queueActor) releaseInOrder(caller id.Address) {
	order := a.pendingOrder[caller]
	for len(order) > 0 {
		seq := order[0]
		pr := a.findBySeq(caller, seq)
		if pr == nil || pr.released {
			order = order[1:]
			continue
		}
		if !pr.depsResolved {
			return
		}
		a.release(pr)
		order = order[1:]
	}
	a.pendingOrder[caller] = order
}

func (a *queueActor) findBySeq(caller id.Address, seq uint64) *pendingRequest {
	for _, pr := range a.byTaskID {
		if pr.req.Caller == caller && pr.req.SequenceNumber == seq {
			return pr
		}
	}
	return nil
}

func (a *queueActor) release(pr *pendingRequest) {
	if pr.released {
		return
	}
	pr.released = true
	a.ready(Runnable{TaskID: pr.req.TaskID, Group: pr.req.Group, SendReply: pr.req.Callbacks.SendReply})
}

func (a *queueActor) cancel(taskID id.TaskID) {
	pr, ok := a.byTaskID[taskID]
	if !ok || pr.released {
		return
	}
	if pr.cancelWait != nil {
		pr.cancelWait()
	}
	delete(a.byTaskID, taskID)
	if pr.req.Callbacks.Reject != nil {
		pr.req.Callbacks.Reject("client cancelled stale rpc")
	}
}

func (a *queueActor) stop() {
	ids := make([]id.TaskID, 0, len(a.byTaskID))
	for taskID := range a.byTaskID {
		ids = append(ids, taskID)
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i][:]) < string(ids[j][:]) })
	for _, taskID := range ids {
		a.cancel(taskID)
	}
	for caller, bucket := range a.buffered {
		for _, pr := range bucket {
			if pr.req.Callbacks.Reject != nil {
				pr.req.Callbacks.Reject("queue stopped")
			}
		}
		delete(a.buffered, caller)
	}
}

func (a *queueActor) self() *actorsys.Ref { return a.selfRef }
