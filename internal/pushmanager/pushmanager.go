// Package pushmanager implements C7 of spec.md §4.4: chunked, flow
// controlled sends of local objects to a requesting peer, where a
// duplicate request restarts the transfer from its first chunk, and
// escalation to PUSH_FAILED once an object cannot be delivered.
package pushmanager

import (
	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// ChunkSender delivers one chunk of an object's bytes to a destination
// node; the real implementation lives in internal/objectmanager over
// pkg/ws, tests substitute a fake.
type ChunkSender interface {
	SendChunk(to id.NodeID, objID id.ObjectID, chunkIndex int, data []byte, isLast bool) error
}

// ObjectReader reads an object's bytes from the local store, in order to
// split them into chunks.
type ObjectReader interface {
	ReadObject(objID id.ObjectID) ([]byte, error)
}

// Config bounds the push manager's behavior.
type Config struct {
	ChunkSize int
	// MaxBytesInFlight caps the sum of in-flight chunk bytes across every
	// active push, per spec.md §4.4's global bytes_in_flight budget. <= 0
	// means unbounded.
	MaxBytesInFlight int64
}

// Manager is a handle to a running push manager actor.
type Manager struct {
	ref *actorsys.Ref
}

// New starts a push manager actor under system at address.
func New(system *actorsys.System, address actorsys.Address, reader ObjectReader, sender ChunkSender, cfg Config) *Manager {
	impl := &managerActor{
		reader:  reader,
		sender:  sender,
		cfg:     cfg,
		active:  make(map[pushKey]*pushState),
		waiters: make(map[pushKey][]chan error),
		ready:   make(map[pushKey]bool),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Manager{ref: ref}
}

type pushKey struct {
	objID id.ObjectID
	to    id.NodeID
}

// pushState tracks one (dest, object) transfer's round-robin progress, per
// spec.md §4.4's per-push state: {num_chunks, next_chunk, num_in_flight,
// num_remaining}. There is no resend flag: a resend resets nextChunk and
// numRemaining directly.
type pushState struct {
	key          pushKey
	data         []byte
	chunkLen     int
	numChunks    int
	nextChunk    int
	numRemaining int
	numInFlight  int
}

func newPushState(key pushKey, data []byte, chunkLen int) *pushState {
	if chunkLen <= 0 {
		chunkLen = len(data)
		if chunkLen == 0 {
			chunkLen = 1
		}
	}
	numChunks := (len(data) + chunkLen - 1) / chunkLen
	return &pushState{
		key:          key,
		data:         data,
		chunkLen:     chunkLen,
		numChunks:    numChunks,
		numRemaining: numChunks,
	}
}

func (s *pushState) chunkBounds(index int) (start, end int) {
	start = index * s.chunkLen
	end = start + s.chunkLen
	if end > len(s.data) {
		end = len(s.data)
	}
	return start, end
}

type (
	pushRequestMsg struct {
		objID id.ObjectID
		to    id.NodeID
		reply chan error
	}
	chunkDoneMsg struct {
		key  pushKey
		size int64
		err  error
	}
)

// Push sends objID to the node "to", chunked per Config.ChunkSize,
// returning once every chunk has been acknowledged or a PUSH_FAILED
// error once delivery cannot complete. A second Push for the same
// (objID, to) pair while one is in flight resets that transfer's
// remaining-to-send count back to the full chunk set per spec.md §4.4,
// guaranteeing at-least-once delivery even if the receiver had
// cancelled the earlier attempt.
func (m *Manager) Push(objID id.ObjectID, to id.NodeID) error {
	reply := make(chan error, 1)
	m.ref.System().Tell(m.ref, pushRequestMsg{objID: objID, to: to, reply: reply})
	return <-reply
}

type managerActor struct {
	reader  ObjectReader
	sender  ChunkSender
	cfg     Config
	active  map[pushKey]*pushState
	waiters map[pushKey][]chan error
	// order is the round-robin list of active push keys, in the order
	// spec.md §4.4 iterates "active pushes in order".
	order         []pushKey
	ready         map[pushKey]bool
	bytesInFlight int64
	self          *actorsys.Ref
}

func (a *managerActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.self = ctx.Self()
		return nil
	case pushRequestMsg:
		a.request(m)
	case chunkDoneMsg:
		a.advance(m.key, m.size, m.err)
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *managerActor) request(m pushRequestMsg) {
	key := pushKey{objID: m.objID, to: m.to}
	a.waiters[key] = append(a.waiters[key], m.reply)
	if state, inFlight := a.active[key]; inFlight {
		// Duplicate request for a transfer already underway: reset the
		// remaining-to-send count and wrap the chunk pointer back to the
		// start, per spec.md §4.4's resend rule, rather than merely
		// coalescing the waiter onto whatever is left of the original
		// attempt.
		state.nextChunk = 0
		state.numRemaining = state.numChunks
		a.markReady(key)
		a.schedule()
		return
	}
	data, err := a.reader.ReadObject(m.objID)
	if err != nil {
		a.complete(key, errkind.New(errkind.Transient, "reading %s for push: %v", m.objID, err))
		return
	}
	if len(data) == 0 {
		a.complete(key, nil)
		return
	}
	state := newPushState(key, data, a.cfg.ChunkSize)
	a.active[key] = state
	a.order = append(a.order, key)
	a.markReady(key)
	a.schedule()
}

// markReady enqueues key for another scheduling attempt if it is not
// already queued.
func (a *managerActor) markReady(key pushKey) {
	if a.ready[key] {
		return
	}
	a.ready[key] = true
}

// schedule implements spec.md §4.4's central loop: "while bytes_in_flight
// < max_bytes_in_flight, iterate over active pushes in order; for each,
// try to send its next chunk." One pass sends at most one chunk per
// active push so a single push's own chunks stay strictly ordered;
// capacity freed by later acks triggers another pass via advance.
func (a *managerActor) schedule() {
	for {
		sentAny := false
		for _, key := range a.order {
			state, ok := a.active[key]
			if !ok || !a.ready[key] || state.numRemaining == 0 {
				continue
			}
			start, end := state.chunkBounds(state.nextChunk)
			size := int64(end - start)
			if a.cfg.MaxBytesInFlight > 0 && a.bytesInFlight+size > a.cfg.MaxBytesInFlight {
				continue
			}
			a.sendChunk(state, state.nextChunk, start, end)
			state.nextChunk = (state.nextChunk + 1) % state.numChunks
			state.numRemaining--
			state.numInFlight++
			delete(a.ready, key)
			sentAny = true
		}
		if !sentAny {
			return
		}
	}
}

func (a *managerActor) sendChunk(state *pushState, chunkIndex, start, end int) {
	isLast := chunkIndex == state.numChunks-1
	chunk := state.data[start:end]
	size := int64(end - start)
	a.bytesInFlight += size

	self := a.self
	system := self.System()
	sender := a.sender
	key := state.key
	go func() {
		err := sender.SendChunk(key.to, key.objID, chunkIndex, chunk, isLast)
		system.Tell(self, chunkDoneMsg{key: key, size: size, err: err})
	}()
}

func (a *managerActor) advance(key pushKey, size int64, err error) {
	state, ok := a.active[key]
	if !ok {
		return
	}
	a.bytesInFlight -= size
	state.numInFlight--
	switch {
	case err != nil:
		a.complete(key, errkind.New(errkind.Transient, "push of %s to node failed: %v (PUSH_FAILED)", key.objID, err))
	case state.numRemaining == 0 && state.numInFlight == 0:
		a.complete(key, nil)
	case state.numRemaining > 0:
		a.markReady(key)
	}
	// Completing or advancing either push may have freed capacity another
	// queued push was waiting on, so always retry scheduling.
	a.schedule()
}

func (a *managerActor) complete(key pushKey, err error) {
	delete(a.active, key)
	delete(a.ready, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	for _, w := range a.waiters[key] {
		w <- err
	}
	delete(a.waiters, key)
}
