// Package actormgr implements C14 of spec.md §4.10: the actor lifecycle
// state machine (DEPENDENCIES_UNREADY -> PENDING_CREATION -> ALIVE ->
// RESTARTING -> DEAD), supervision on worker/node death, restart-budget
// enforcement, was_restarted signaling, and caller-side task buffering
// during the RESTARTING window.
package actormgr

import (
	"math/rand"
	"time"

	"github.com/driftrun/driftcore/internal/clusterscheduler"
	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

// State is an actor's lifecycle stage.
type State string

const (
	DependenciesUnready State = "DEPENDENCIES_UNREADY"
	PendingCreation      State = "PENDING_CREATION"
	Alive                State = "ALIVE"
	Restarting           State = "RESTARTING"
	Dead                 State = "DEAD"
)

// DependencyWaiter blocks actor creation until its creation-argument
// object ids are all resolved; mirrors taskqueue.DependencyWaiter's
// shape, kept as a separate local interface so actormgr does not import
// taskqueue just to share a type.
type DependencyWaiter interface {
	Wait(deps []id.ObjectID, ready func()) (cancel func())
}

// Scheduler is the subset of clusterscheduler.Scheduler actor creation
// needs: pick one node to host the actor's worker.
type Scheduler interface {
	Schedule(req clusterscheduler.Request, opts clusterscheduler.Options) (id.NodeID, error)
}

// Spawner starts (or restarts) the actor's worker process on node and
// returns the address callers should dispatch tasks to.
type Spawner interface {
	SpawnWorker(node id.NodeID, actorID id.ActorID, wasRestarted bool) (id.Address, error)
}

// Dispatcher hands a task off to the actor's current worker address;
// the manager does not wait for the task to finish, only for the
// worker to accept it (spec.md §4.10's "resubmit on ALIVE" is about
// resubmitting the dispatch, not the whole task lifecycle, which is the
// submitter's job).
type Dispatcher interface {
	Dispatch(address id.Address, task Task) error
}

// TombstonePublisher announces an actor's death, e.g. into the GCS
// actors table (C15) so `actor_id -> address` caches evict it.
type TombstonePublisher interface {
	PublishTombstone(actorID id.ActorID, numRestarts int) error
}

// Task is one unit of work submitted to an actor.
type Task struct {
	ID id.TaskID
	// Idempotent hints whether the manager may safely redispatch this
	// task after a restart if it was in flight when the actor died.
	Idempotent bool
}

// RestartPolicy bounds how many times an actor may be restarted before
// the manager gives up and marks it DEAD.
type RestartPolicy struct {
	MaxRestarts int
}

// Config bounds scheduling retry behavior and heartbeat timeouts.
type Config struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HeartbeatTimeout time.Duration
	SchedulerPolicy  clusterscheduler.Policy
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	return c
}

// Manager is a handle to a running actor-manager actor.
type Manager struct {
	ref *actorsys.Ref
}

// New starts a manager actor under system at address.
func New(system *actorsys.System, address actorsys.Address, waiter DependencyWaiter, scheduler Scheduler, spawner Spawner, dispatcher Dispatcher, tombstones TombstonePublisher, cfg Config) *Manager {
	impl := &managerActor{
		waiter:     waiter,
		scheduler:  scheduler,
		spawner:    spawner,
		dispatcher: dispatcher,
		tombstones: tombstones,
		cfg:        cfg.withDefaults(),
		actors:     make(map[id.ActorID]*actorState),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Manager{ref: ref}
}

// CreateActor registers a new actor, waiting on creationDeps before
// entering PENDING_CREATION and scheduling its worker. Resources names
// the resource ask the actor's worker consumes while alive.
func (m *Manager) CreateActor(actorID id.ActorID, creationDeps []id.ObjectID, resources resource.Set, policy RestartPolicy) {
	m.ref.System().Tell(m.ref, createActorMsg{
		id:        actorID,
		deps:      creationDeps,
		resources: resources,
		policy:    policy,
	})
}

// SubmitTask hands a task to actorID's current worker, blocking until
// it is dispatched or rejected. A task submitted while the actor is not
// ALIVE is buffered, and the call does not return until that buffer is
// flushed on the next transition to ALIVE or the actor dies. Returns an
// *errkind.Error of kind ACTOR_DIED if the actor is already DEAD.
func (m *Manager) SubmitTask(actorID id.ActorID, task Task) error {
	reply := make(chan error, 1)
	m.ref.System().Tell(m.ref, submitTaskMsg{actorID: actorID, task: task, reply: reply})
	return <-reply
}

// Heartbeat records a liveness signal from actorID's worker.
func (m *Manager) Heartbeat(actorID id.ActorID) {
	m.ref.System().Tell(m.ref, heartbeatMsg{actorID: actorID})
}

// WorkerDied reports actorID's worker as gone (crash, explicit kill),
// triggering restart-or-death per the restart policy.
func (m *Manager) WorkerDied(actorID id.ActorID) {
	m.ref.System().Tell(m.ref, workerDiedMsg{actorID: actorID})
}

// NodeDied reports that node is gone, restarting every actor currently
// hosted there.
func (m *Manager) NodeDied(node id.NodeID) {
	m.ref.System().Tell(m.ref, nodeDiedMsg{node: node})
}

// Kill explicitly marks actorID DEAD regardless of remaining restarts.
func (m *Manager) Kill(actorID id.ActorID) {
	m.ref.System().Tell(m.ref, killMsg{actorID: actorID})
}

// State returns actorID's current lifecycle stage.
func (m *Manager) State(actorID id.ActorID) State {
	reply := make(chan State, 1)
	m.ref.System().Tell(m.ref, stateMsg{actorID: actorID, reply: reply})
	return <-reply
}

type (
	createActorMsg struct {
		id        id.ActorID
		deps      []id.ObjectID
		resources resource.Set
		policy    RestartPolicy
	}
	depsReadyMsg struct{ actorID id.ActorID }
	scheduleResultMsg struct {
		actorID id.ActorID
		node    id.NodeID
		address id.Address
		err     error
	}
	submitTaskMsg struct {
		actorID id.ActorID
		task    Task
		reply   chan error
	}
	heartbeatMsg      struct{ actorID id.ActorID }
	workerDiedMsg     struct{ actorID id.ActorID }
	nodeDiedMsg       struct{ node id.NodeID }
	killMsg           struct{ actorID id.ActorID }
	stateMsg          struct {
		actorID id.ActorID
		reply   chan State
	}
	heartbeatCheckMsg struct{}
	scheduleRetryMsg  struct{ actorID id.ActorID }
)

// bufferedTask is a task waiting for the actor to reach ALIVE.
type bufferedTask struct {
	task  Task
	reply chan error
}

type actorState struct {
	id                id.ActorID
	state             State
	node              id.NodeID
	address           id.Address
	resources         resource.Set
	restartsRemaining int
	numRestarts       int
	wasRestarted      bool
	lastHeartbeat     time.Time
	backoff           time.Duration
	inFlight          map[id.TaskID]bool // value: idempotent
	buffer            []bufferedTask
	cancelWait        func()
}

type managerActor struct {
	waiter     DependencyWaiter
	scheduler  Scheduler
	spawner    Spawner
	dispatcher Dispatcher
	tombstones TombstonePublisher
	cfg        Config
	self       *actorsys.Ref

	actors map[id.ActorID]*actorState
}

func (a *managerActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.self = ctx.Self()
		a.startHeartbeatChecker()
		return nil
	case createActorMsg:
		a.create(m)
	case depsReadyMsg:
		a.enterPendingCreation(m.actorID)
	case scheduleResultMsg:
		a.onScheduleResult(m)
	case scheduleRetryMsg:
		a.scheduleAndSpawn(m.actorID)
	case submitTaskMsg:
		a.submit(m)
	case heartbeatMsg:
		if s, ok := a.actors[m.actorID]; ok {
			s.lastHeartbeat = time.Now()
		}
	case workerDiedMsg:
		a.onLoss(m.actorID)
	case nodeDiedMsg:
		for actorID, s := range a.actors {
			if s.node == m.node && (s.state == Alive || s.state == PendingCreation) {
				a.onLoss(actorID)
			}
		}
	case killMsg:
		a.kill(m.actorID)
	case stateMsg:
		if s, ok := a.actors[m.actorID]; ok {
			m.reply <- s.state
		} else {
			m.reply <- Dead
		}
	case heartbeatCheckMsg:
		a.checkHeartbeats()
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *managerActor) create(m createActorMsg) {
	s := &actorState{
		id:                m.id,
		state:             DependenciesUnready,
		resources:         m.resources,
		restartsRemaining: m.policy.MaxRestarts,
		backoff:           a.cfg.InitialBackoff,
		inFlight:          make(map[id.TaskID]bool),
	}
	a.actors[m.id] = s

	if len(m.deps) == 0 {
		a.enterPendingCreation(m.id)
		return
	}
	self := a.self
	system := self.System()
	actorID := m.id
	s.cancelWait = a.waiter.Wait(m.deps, func() {
		system.Tell(self, depsReadyMsg{actorID: actorID})
	})
}

func (a *managerActor) enterPendingCreation(actorID id.ActorID) {
	s, ok := a.actors[actorID]
	if !ok || s.state == Dead {
		return
	}
	s.state = PendingCreation
	a.scheduleAndSpawn(actorID)
}

// scheduleAndSpawn runs C12 scheduling and the worker spawn call off the
// actor's own goroutine, posting the outcome back so every state
// transition still happens on this manager's single owning thread.
func (a *managerActor) scheduleAndSpawn(actorID id.ActorID) {
	s, ok := a.actors[actorID]
	if !ok || s.state == Dead {
		return
	}
	self := a.self
	system := self.System()
	scheduler := a.scheduler
	spawner := a.spawner
	resources := s.resources
	wasRestarted := s.wasRestarted

	go func() {
		node, err := scheduler.Schedule(clusterscheduler.Request{ID: actorID.String(), Resources: resources}, clusterscheduler.Options{})
		if err != nil {
			system.Tell(self, scheduleResultMsg{actorID: actorID, err: err})
			return
		}
		addr, err := spawner.SpawnWorker(node, actorID, wasRestarted)
		system.Tell(self, scheduleResultMsg{actorID: actorID, node: node, address: addr, err: err})
	}()
}

func (a *managerActor) onScheduleResult(m scheduleResultMsg) {
	s, ok := a.actors[m.actorID]
	if !ok || s.state == Dead {
		return
	}
	if m.err != nil {
		if kindErr, ok := errkind.As(m.err); ok && kindErr.Kind == errkind.ResourceInfeasible {
			a.markDead(m.actorID)
			return
		}
		a.retryScheduling(m.actorID)
		return
	}

	s.node = m.node
	s.address = m.address
	s.state = Alive
	s.wasRestarted = true
	s.lastHeartbeat = time.Now()
	s.backoff = a.cfg.InitialBackoff
	a.flushBuffer(m.actorID)
}

func (a *managerActor) retryScheduling(actorID id.ActorID) {
	s, ok := a.actors[actorID]
	if !ok {
		return
	}
	s.backoff = nextBackoff(s.backoff, a.cfg.MaxBackoff)
	self := a.self
	system := self.System()
	delay := s.backoff
	go func() {
		time.Sleep(delay)
		system.Tell(self, scheduleRetryMsg{actorID: actorID})
	}()
}

func (a *managerActor) flushBuffer(actorID id.ActorID) {
	s, ok := a.actors[actorID]
	if !ok || s.state != Alive {
		return
	}
	pending := s.buffer
	s.buffer = nil
	for _, bt := range pending {
		a.dispatchNow(s, bt.task, bt.reply)
	}
}

func (a *managerActor) submit(m submitTaskMsg) {
	s, ok := a.actors[m.actorID]
	if !ok || s.state == Dead {
		m.reply <- errkind.New(errkind.ActorDied, "actor %s is dead", m.actorID)
		return
	}
	if s.state == Alive {
		a.dispatchNow(s, m.task, m.reply)
		return
	}
	// DEPENDENCIES_UNREADY, PENDING_CREATION, or RESTARTING: buffer for
	// the next ALIVE transition.
	s.buffer = append(s.buffer, bufferedTask{task: m.task, reply: m.reply})
}

func (a *managerActor) dispatchNow(s *actorState, task Task, reply chan error) {
	err := a.dispatcher.Dispatch(s.address, task)
	if err == nil {
		s.inFlight[task.ID] = task.Idempotent
	}
	reply <- err
}

// onLoss handles a worker/node death for actorID: restart if budget
// remains, otherwise DEAD.
func (a *managerActor) onLoss(actorID id.ActorID) {
	s, ok := a.actors[actorID]
	if !ok || s.state == Dead {
		return
	}

	// In-flight tasks: idempotent ones are requeued for redispatch once
	// the actor is ALIVE again; non-idempotent ones are dropped, per
	// spec.md §4.10's "a task observed to be non-idempotent is not
	// retried" (the submitter, not this manager, owns telling the
	// caller that it gave up).
	for taskID, idempotent := range s.inFlight {
		if idempotent {
			s.buffer = append(s.buffer, bufferedTask{task: Task{ID: taskID, Idempotent: true}, reply: discardReply()})
		}
	}
	s.inFlight = make(map[id.TaskID]bool)

	if s.restartsRemaining <= 0 {
		a.markDead(actorID)
		return
	}
	s.restartsRemaining--
	s.numRestarts++
	s.state = Restarting
	a.scheduleAndSpawn(actorID)
}

func discardReply() chan error {
	ch := make(chan error, 1)
	go func() { <-ch }()
	return ch
}

func (a *managerActor) kill(actorID id.ActorID) {
	a.markDead(actorID)
}

func (a *managerActor) markDead(actorID id.ActorID) {
	s, ok := a.actors[actorID]
	if !ok || s.state == Dead {
		return
	}
	if s.cancelWait != nil {
		s.cancelWait()
	}
	numRestarts := s.numRestarts
	s.state = Dead
	if a.tombstones != nil {
		_ = a.tombstones.PublishTombstone(actorID, numRestarts)
	}
	died := errkind.New(errkind.ActorDied, "actor %s is dead", actorID)
	for _, bt := range s.buffer {
		bt.reply <- died
	}
	s.buffer = nil
}

func (a *managerActor) checkHeartbeats() {
	now := time.Now()
	for actorID, s := range a.actors {
		if s.state != Alive || s.lastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(s.lastHeartbeat) >= a.cfg.HeartbeatTimeout {
			a.onLoss(actorID)
		}
	}
}

func (a *managerActor) startHeartbeatChecker() {
	self := a.self
	system := self.System()
	interval := a.cfg.HeartbeatTimeout
	if interval <= 0 {
		return
	}
	interval /= 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			system.Tell(self, heartbeatCheckMsg{})
		}
	}()
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	jitter := time.Duration(rand.Int63n(int64(next/4 + 1)))
	return next + jitter
}
