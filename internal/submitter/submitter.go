// Package submitter implements C10 of spec.md §4.7: the caller side of
// task dispatch. It assigns strictly monotonic, gapless sequence numbers
// per caller→callee pair, retries retryable failures per
// internal/errkind's taxonomy, and applies MaxPendingCalls backpressure
// (spec.md's supplemented feature, §SPEC_FULL) so a runaway caller can't
// flood a single callee's queue.
package submitter

import (
	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// Call is one RPC a caller wants delivered to a callee, already carrying
// everything taskqueue.Request needs on the far side.
type Call struct {
	Callee       id.Address
	TaskID       id.TaskID
	Dependencies []id.ObjectID
	Group        string
	MaxRetries   int
}

// Transport performs the actual send; the real implementation dispatches
// over pkg/ws to the callee's worker/taskqueue endpoint, tests substitute
// a fake. sequenceNumber/processedUpTo are attached per spec.md §4.7.
type Transport interface {
	Send(call Call, sequenceNumber, processedUpTo uint64) error
}

// Config bounds the submitter's per-callee backpressure.
type Config struct {
	// MaxPendingCalls caps in-flight (sent, not yet completed) calls per
	// callee; Submit blocks (by queuing internally) once the cap is hit,
	// per the actor's MaxPendingCalls knob described in SPEC_FULL.md.
	MaxPendingCalls int
}

// Submitter is a handle to a running submitter actor.
type Submitter struct {
	ref *actorsys.Ref
}

// New starts a submitter actor under system at address.
func New(system *actorsys.System, address actorsys.Address, transport Transport, cfg Config) *Submitter {
	impl := &submitterActor{
		transport: transport,
		cfg:       cfg,
		callees:   make(map[id.Address]*calleeState),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Submitter{ref: ref}
}

type calleeState struct {
	nextSeq       uint64
	processedUpTo uint64
	inFlight      int
	queued        []queuedCall
}

type queuedCall struct {
	call  Call
	reply chan error
}

type (
	submitMsg struct {
		call  Call
		reply chan error
	}
	completedMsg struct {
		callee id.Address
		call   Call
		err    error
		reply  chan error
	}
	processedUpToMsg struct {
		callee id.Address
		upTo   uint64
	}
)

// Submit dispatches call to its callee, retrying retryable errors up to
// call.MaxRetries times, and blocks if the callee is already at
// MaxPendingCalls.
func (s *Submitter) Submit(call Call) error {
	reply := make(chan error, 1)
	s.ref.System().Tell(s.ref, submitMsg{call: call, reply: reply})
	return <-reply
}

// AdvanceProcessedUpTo records that the callee has confirmed processing
// up through sequence number upTo, which the submitter attaches to
// subsequent requests so the callee's queue can drop anything stale.
func (s *Submitter) AdvanceProcessedUpTo(callee id.Address, upTo uint64) {
	s.ref.System().Tell(s.ref, processedUpToMsg{callee: callee, upTo: upTo})
}

type submitterActor struct {
	transport Transport
	cfg       Config
	callees   map[id.Address]*calleeState
	self      *actorsys.Ref
}

func (a *submitterActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.self = ctx.Self()
		return nil
	case submitMsg:
		a.submit(m.call, m.reply)
	case completedMsg:
		a.onCompleted(m)
	case processedUpToMsg:
		a.state(m.callee).processedUpTo = m.upTo
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *submitterActor) state(callee id.Address) *calleeState {
	s, ok := a.callees[callee]
	if !ok {
		s = &calleeState{}
		a.callees[callee] = s
	}
	return s
}

func (a *submitterActor) submit(call Call, reply chan error) {
	state := a.state(call.Callee)
	if a.cfg.MaxPendingCalls > 0 && state.inFlight >= a.cfg.MaxPendingCalls {
		state.queued = append(state.queued, queuedCall{call: call, reply: reply})
		return
	}
	a.dispatch(call, reply)
}

func (a *submitterActor) dispatch(call Call, reply chan error) {
	state := a.state(call.Callee)
	seq := state.nextSeq
	state.nextSeq++
	state.inFlight++

	self := a.self
	system := self.System()
	transport := a.transport
	processedUpTo := state.processedUpTo
	go func() {
		err := transport.Send(call, seq, processedUpTo)
		system.Tell(self, completedMsg{callee: call.Callee, call: call, err: err, reply: reply})
	}()
}

func (a *submitterActor) onCompleted(m completedMsg) {
	state := a.state(m.callee)
	state.inFlight--

	if m.err != nil {
		if kindErr, ok := errkind.As(m.err); ok && kindErr.Retryable() && m.call.MaxRetries > 0 {
			retryCall := m.call
			retryCall.MaxRetries--
			a.dispatch(retryCall, m.reply)
			a.promoteQueued(m.callee)
			return
		}
	}
	m.reply <- m.err
	a.promoteQueued(m.callee)
}

// promoteQueued dispatches the next queued call for callee now that
// inFlight has room, maintaining MaxPendingCalls backpressure.
func (a *submitterActor) promoteQueued(callee id.Address) {
	state := a.state(callee)
	if len(state.queued) == 0 {
		return
	}
	if a.cfg.MaxPendingCalls > 0 && state.inFlight >= a.cfg.MaxPendingCalls {
		return
	}
	next := state.queued[0]
	state.queued = state.queued[1:]
	a.dispatch(next.call, next.reply)
}
