// Package refcount implements the distributed reference counter of
// spec.md §4.2: per-object local and submitted-task counts, borrower
// tracking, containment, and the OWNER_DIED surfacing an owner's death
// causes for every object it still owns.
//
// Like plasma, all mutable state lives behind a single actorsys.Ref;
// callers interact through the Table handle's synchronous methods.
package refcount

import (
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// entry is the bookkeeping kept for one object this process owns or
// borrows a reference to.
type entry struct {
	// LocalRefs counts in-process Go references (variables holding the
	// object id) the worker or driver currently has live.
	LocalRefs int
	// SubmittedTaskRefs counts pending task invocations that were given
	// this id as an argument and have not yet finished.
	SubmittedTaskRefs int
	// Borrowers are other workers that were passed this id as a task
	// argument and may themselves hold local/submitted refs on it.
	Borrowers map[id.Address]bool
	// ContainedInOuter holds the ids of other objects whose value contains this id
	// (e.g. a list of ObjectRefs returned from a task) — keeping the
	// outer object alive keeps this one alive too.
	ContainedInOuter map[id.ObjectID]bool
	// Contains is the reverse edge of ContainedInOuter.
	Contains map[id.ObjectID]bool

	Spilled    bool
	ObjectSize int64

	OwnerDied bool
}

func newEntry() *entry {
	return &entry{
		Borrowers:        make(map[id.Address]bool),
		ContainedInOuter: make(map[id.ObjectID]bool),
		Contains:         make(map[id.ObjectID]bool),
	}
}

// Snapshot is a read-only view of an object's current ref state.
type Snapshot struct {
	ID                id.ObjectID
	LocalRefs         int
	SubmittedTaskRefs int
	Borrowers         []id.Address
	Spilled           bool
	ObjectSize        int64
	OwnerDied         bool
}

// EvictCallback is invoked (on the table's own goroutine) when an object
// transitions out of scope and should be freed from the local store.
type EvictCallback func(id.ObjectID)

// Table is a handle to a running reference-count table actor.
type Table struct {
	ref *actorsys.Ref
}

// New starts a ref-count table under system at address.
func New(system *actorsys.System, address actorsys.Address, onEvict EvictCallback) *Table {
	impl := &tableActor{
		entries: make(map[id.ObjectID]*entry),
		onEvict: onEvict,
	}
	ref, _ := system.ActorOf(address, impl)
	return &Table{ref: ref}
}

type (
	addLocalMsg    struct{ id id.ObjectID }
	removeLocalMsg struct{ id id.ObjectID }
	addSubmitMsg   struct{ id id.ObjectID }
	removeSubmitMsg struct {
		id  id.ObjectID
		err error
	}
	addBorrowerMsg struct {
		id      id.ObjectID
		address id.Address
	}
	addContainsMsg struct {
		outer id.ObjectID
		inner id.ObjectID
	}
	setObjectInfoMsg struct {
		id      id.ObjectID
		size    int64
		spilled bool
	}
	ownerDiedMsg  struct{ owned []id.ObjectID }
	snapshotMsg   struct{ id id.ObjectID }
	snapshotReply struct{ snap Snapshot }
)

// AddLocalRef records a new in-process holder of id.
func (t *Table) AddLocalRef(objID id.ObjectID) {
	t.ref.System().Tell(t.ref, addLocalMsg{id: objID})
}

// RemoveLocalRef releases a previously added local reference.
func (t *Table) RemoveLocalRef(objID id.ObjectID) {
	t.ref.System().Tell(t.ref, removeLocalMsg{id: objID})
}

// AddSubmittedTaskRef records that id was passed as an argument to a task
// that has been submitted but not completed.
func (t *Table) AddSubmittedTaskRef(objID id.ObjectID) {
	t.ref.System().Tell(t.ref, addSubmitMsg{id: objID})
}

// RemoveSubmittedTaskRef releases the reference added by
// AddSubmittedTaskRef once the task finishes. taskErr is accepted so
// callers can pass the task's error through, but the table does not
// record it; only the count is dropped.
func (t *Table) RemoveSubmittedTaskRef(objID id.ObjectID, taskErr error) {
	t.ref.System().Tell(t.ref, removeSubmitMsg{id: objID, err: taskErr})
}

// AddBorrower records that address was handed objID as a task argument.
func (t *Table) AddBorrower(objID id.ObjectID, address id.Address) {
	t.ref.System().Tell(t.ref, addBorrowerMsg{id: objID, address: address})
}

// AddContains records that outer's serialized value contains inner, so
// inner stays alive as long as outer does.
func (t *Table) AddContains(outer, inner id.ObjectID) {
	t.ref.System().Tell(t.ref, addContainsMsg{outer: outer, inner: inner})
}

// SetObjectInfo records size/spilled metadata surfaced by the object
// store when the object is sealed or spilled.
func (t *Table) SetObjectInfo(objID id.ObjectID, size int64, spilled bool) {
	t.ref.System().Tell(t.ref, setObjectInfoMsg{id: objID, size: size, spilled: spilled})
}

// OwnerDied marks every id in owned as OWNER_DIED, which Snapshot then
// reports; the table itself does not fail reads of those objects.
func (t *Table) OwnerDied(owned []id.ObjectID) {
	t.ref.System().Tell(t.ref, ownerDiedMsg{owned: owned})
}

// Snapshot returns the current bookkeeping for objID.
func (t *Table) Snapshot(objID id.ObjectID) Snapshot {
	resp := t.ref.System().Ask(t.ref, snapshotMsg{id: objID})
	return resp.Get().(snapshotReply).snap
}

type tableActor struct {
	entries map[id.ObjectID]*entry
	onEvict EvictCallback
}

func (a *tableActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		return nil
	case addLocalMsg:
		a.get(m.id).LocalRefs++
	case removeLocalMsg:
		e := a.get(m.id)
		if e.LocalRefs > 0 {
			e.LocalRefs--
		}
		a.maybeEvict(m.id)
	case addSubmitMsg:
		a.get(m.id).SubmittedTaskRefs++
	case removeSubmitMsg:
		e := a.get(m.id)
		if e.SubmittedTaskRefs > 0 {
			e.SubmittedTaskRefs--
		}
		a.maybeEvict(m.id)
	case addBorrowerMsg:
		a.get(m.id).Borrowers[m.address] = true
	case addContainsMsg:
		a.get(m.outer).Contains[m.inner] = true
		a.get(m.inner).ContainedInOuter[m.outer] = true
	case setObjectInfoMsg:
		e := a.get(m.id)
		e.ObjectSize = m.size
		e.Spilled = m.spilled
	case ownerDiedMsg:
		for _, objID := range m.owned {
			a.get(objID).OwnerDied = true
		}
	case snapshotMsg:
		ctx.Respond(snapshotReply{snap: a.snapshot(m.id)})
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *tableActor) get(objID id.ObjectID) *entry {
	e, ok := a.entries[objID]
	if !ok {
		e = newEntry()
		a.entries[objID] = e
	}
	return e
}

// maybeEvict walks the scope of objID and, if it has no remaining
// references by itself or through containment, evicts it and recurses on
// anything it contains that may now also be out of scope.
func (a *tableActor) maybeEvict(objID id.ObjectID) {
	e, ok := a.entries[objID]
	if !ok {
		return
	}
	if a.inScope(objID, e) {
		return
	}
	delete(a.entries, objID)
	if a.onEvict != nil {
		a.onEvict(objID)
	}
	for inner := range e.Contains {
		if innerEntry, ok := a.entries[inner]; ok {
			delete(innerEntry.ContainedInOuter, objID)
			a.maybeEvict(inner)
		}
	}
}

func (a *tableActor) inScope(objID id.ObjectID, e *entry) bool {
	if e.LocalRefs > 0 || e.SubmittedTaskRefs > 0 || len(e.Borrowers) > 0 {
		return true
	}
	for outer := range e.ContainedInOuter {
		if outerEntry, ok := a.entries[outer]; ok && a.inScope(outer, outerEntry) {
			return true
		}
	}
	return false
}

func (a *tableActor) snapshot(objID id.ObjectID) Snapshot {
	e, ok := a.entries[objID]
	if !ok {
		return Snapshot{ID: objID}
	}
	borrowers := make([]id.Address, 0, len(e.Borrowers))
	for addr := range e.Borrowers {
		borrowers = append(borrowers, addr)
	}
	return Snapshot{
		ID:                objID,
		LocalRefs:         e.LocalRefs,
		SubmittedTaskRefs: e.SubmittedTaskRefs,
		Borrowers:         borrowers,
		Spilled:           e.Spilled,
		ObjectSize:        e.ObjectSize,
		OwnerDied:         e.OwnerDied,
	}
}
