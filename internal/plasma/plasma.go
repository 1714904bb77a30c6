// Package plasma implements the node-local object store (spec.md §4.1):
// create/seal/get/release of immutable byte objects, spill-on-pressure,
// and the bytes-in-use accounting the pull manager throttles against.
//
// The store's state (the object table and the memory budget) is owned by
// a single actorsys.Ref, per spec.md §5's rule that shared in-process
// state has exactly one owning goroutine; every exported method here
// sends a message to that actor and waits for the reply, the same
// "post(callback) to main" discipline the teacher's resource_pool/agent
// actors use for agent state.
package plasma

import (
	"fmt"
	"time"

	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// Object is a sealed or in-progress entry in the store.
type Object struct {
	ID       id.ObjectID
	Data     []byte
	Metadata []byte
	Owner    id.Address
	Sealed   bool
	// SpilledURL is non-empty when the object's bytes have been evicted to
	// secondary storage; Data is empty while spilled.
	SpilledURL string
}

// Size returns the total byte footprint the store accounts against its
// memory budget.
func (o *Object) Size() int64 { return int64(len(o.Data) + len(o.Metadata)) }

// WriteChunk copies data into the object's buffer at offset, growing the
// buffer if a chunked writer (objectmanager) delivers more bytes than
// Create was told to expect up front.
func (o *Object) WriteChunk(offset int, data []byte) {
	need := offset + len(data)
	if need > len(o.Data) {
		grown := make([]byte, need)
		copy(grown, o.Data)
		o.Data = grown
	}
	copy(o.Data[offset:], data)
}

// SpillCallback spills objects to free up `need` bytes of space, returning
// how many bytes were actually freed and the URLs objects were spilled to.
type SpillCallback func(need int64) (freed int64, spilled []SpilledObject)

// RestoreCallback restores a previously spilled object's bytes from its
// URL.
type RestoreCallback func(url string) ([]byte, error)

// SpilledObject names an object moved to secondary storage.
type SpilledObject struct {
	ID  id.ObjectID
	URL string
}

// GetResult is one entry of a Get call's per-id results.
type GetResult struct {
	ID     id.ObjectID
	Object *Object
	// Pending is true if the object was not found within the timeout.
	Pending bool
}

// Store is a handle to a running object store actor.
type Store struct {
	ref *actorsys.Ref
}

// Config controls the store's memory budget and spill hooks.
type Config struct {
	MemoryBudget int64
	Spill        SpillCallback
	Restore      RestoreCallback
	// OnSeal, if set, is called (on the store's own goroutine) whenever an
	// object is sealed, letting the reference counter and object
	// directory react without the store importing either package.
	OnSeal func(*Object)
	// OnBytesInUse is called on the store's own goroutine with the new
	// total after every create, abort and delete, so the pull manager can
	// hold back new pulls (spec.md §4.1).
	OnBytesInUse func(bytesInUse int64)
}

// New starts a store actor under system at address and returns a handle.
func New(system *actorsys.System, address actorsys.Address, cfg Config) *Store {
	impl := &storeActor{
		cfg:     cfg,
		objects: make(map[id.ObjectID]*Object),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Store{ref: ref}
}

// messages
type (
	createMsg struct {
		id           id.ObjectID
		dataSize     int
		metadataSize int
		owner        id.Address
	}
	createReply struct {
		buf *Object
		err error
	}
	sealMsg struct{ id id.ObjectID }
	getMsg  struct {
		ids     []id.ObjectID
		timeout time.Duration
	}
	getReply struct{ results []GetResult }
	abortMsg struct{ id id.ObjectID }
	deleteMsg struct{ ids []id.ObjectID }
	freeMsg   struct {
		ids       []id.ObjectID
		localOnly bool
	}
	bytesInUseMsg struct{}
)

// Create allocates a writable buffer for an object of the given size. It
// fails with OUT_OF_MEMORY if no space can be found even after spilling,
// or DUPLICATE (as an *errkind.Error) if id already exists.
func (s *Store) Create(objID id.ObjectID, dataSize, metadataSize int, owner id.Address) (*Object, error) {
	resp := s.ref.System().Ask(s.ref, createMsg{id: objID, dataSize: dataSize, metadataSize: metadataSize, owner: owner})
	reply := resp.Get().(createReply)
	return reply.buf, reply.err
}

// CreateAndSeal writes data as a new sealed object in one step, used by
// the worker loop (C9) to materialize a task's return values. It first
// drops an unsealed object left under objID by an earlier attempt; if
// objID is already sealed, Create's DUPLICATE error is returned.
func (s *Store) CreateAndSeal(objID id.ObjectID, data []byte, owner id.Address) error {
	s.AbortCreate(objID)
	obj, err := s.Create(objID, len(data), 0, owner)
	if err != nil {
		return err
	}
	copy(obj.Data, data)
	return s.Seal(objID)
}

// Seal marks an object readable and notifies OnSeal.
func (s *Store) Seal(objID id.ObjectID) error {
	resp := s.ref.System().Ask(s.ref, sealMsg{id: objID})
	if err, ok := resp.Get().(error); ok {
		return err
	}
	return nil
}

// Get blocks up to timeout for each id to become available.
func (s *Store) Get(ids []id.ObjectID, timeout time.Duration) []GetResult {
	resp := s.ref.System().Ask(s.ref, getMsg{ids: ids, timeout: timeout})
	return resp.Get().(getReply).results
}

// AbortCreate releases a partially written object.
func (s *Store) AbortCreate(objID id.ObjectID) {
	s.ref.System().Tell(s.ref, abortMsg{id: objID})
}

// Delete frees space used by sealed objects, e.g. during eviction.
func (s *Store) Delete(ids []id.ObjectID) {
	s.ref.System().Tell(s.ref, deleteMsg{ids: ids})
}

// Free is the user-directed free; when localOnly is false the caller
// (the object manager) is responsible for propagating it to peers.
func (s *Store) Free(ids []id.ObjectID, localOnly bool) {
	s.ref.System().Tell(s.ref, freeMsg{ids: ids, localOnly: localOnly})
}

// ReadObject returns a sealed object's bytes, for the push manager to
// chunk and send. It blocks briefly if the object is mid-creation.
func (s *Store) ReadObject(objID id.ObjectID) ([]byte, error) {
	results := s.Get([]id.ObjectID{objID}, time.Second)
	if len(results) == 0 || results[0].Pending || results[0].Object == nil {
		return nil, errkind.New(errkind.ObjectLost, "object %s not available for read", objID)
	}
	return results[0].Object.Data, nil
}

// BytesInUse returns the store's current accounted byte usage.
func (s *Store) BytesInUse() int64 {
	resp := s.ref.System().Ask(s.ref, bytesInUseMsg{})
	return resp.Get().(int64)
}

// storeActor owns the object table; all mutation happens inside Receive.
type storeActor struct {
	cfg       Config
	objects   map[id.ObjectID]*Object
	bytesUsed int64
}

func (a *storeActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		return nil
	case createMsg:
		obj, err := a.create(m)
		ctx.Respond(createReply{buf: obj, err: err})
	case sealMsg:
		ctx.Respond(a.seal(m.id))
	case getMsg:
		ctx.Respond(getReply{results: a.get(m.ids, m.timeout)})
	case abortMsg:
		a.abort(m.id)
	case deleteMsg:
		a.delete(m.ids)
	case freeMsg:
		a.delete(m.ids)
	case bytesInUseMsg:
		ctx.Respond(a.bytesUsed)
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *storeActor) create(m createMsg) (*Object, error) {
	if _, exists := a.objects[m.id]; exists {
		return nil, errkind.New(errkind.InvalidArgument, "object %s already exists (DUPLICATE)", m.id)
	}
	need := int64(m.dataSize + m.metadataSize)
	if a.bytesUsed+need > a.cfg.MemoryBudget {
		if a.cfg.Spill == nil || !a.trySpill(need) {
			return nil, errkind.New(errkind.OutOfMemory, "cannot allocate %d bytes for %s", need, m.id)
		}
	}
	obj := &Object{
		ID:       m.id,
		Data:     make([]byte, m.dataSize),
		Metadata: make([]byte, m.metadataSize),
		Owner:    m.owner,
	}
	a.objects[m.id] = obj
	a.bytesUsed += need
	a.reportUsage()
	return obj, nil
}

func (a *storeActor) trySpill(need int64) bool {
	freed, spilled := a.cfg.Spill(need)
	for _, sp := range spilled {
		if obj, ok := a.objects[sp.ID]; ok {
			a.bytesUsed -= obj.Size()
			obj.Data = nil
			obj.SpilledURL = sp.URL
		}
	}
	return freed >= need
}

func (a *storeActor) seal(objID id.ObjectID) error {
	obj, ok := a.objects[objID]
	if !ok {
		return errkind.New(errkind.InvalidArgument, "cannot seal unknown object %s", objID)
	}
	obj.Sealed = true
	if a.cfg.OnSeal != nil {
		a.cfg.OnSeal(obj)
	}
	return nil
}

func (a *storeActor) get(ids []id.ObjectID, timeout time.Duration) []GetResult {
	deadline := time.Now().Add(timeout)
	results := make([]GetResult, len(ids))
	remaining := make([]int, 0, len(ids))
	for i, objID := range ids {
		if obj, ok := a.objects[objID]; ok && obj.Sealed {
			results[i] = GetResult{ID: objID, Object: obj}
		} else {
			remaining = append(remaining, i)
		}
	}
	for len(remaining) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		next := remaining[:0]
		for _, i := range remaining {
			objID := ids[i]
			if obj, ok := a.objects[objID]; ok && obj.Sealed {
				results[i] = GetResult{ID: objID, Object: obj}
			} else {
				next = append(next, i)
			}
		}
		remaining = next
	}
	for _, i := range remaining {
		results[i] = GetResult{ID: ids[i], Pending: true}
	}
	return results
}

func (a *storeActor) abort(objID id.ObjectID) {
	if obj, ok := a.objects[objID]; ok && !obj.Sealed {
		a.bytesUsed -= obj.Size()
		delete(a.objects, objID)
		a.reportUsage()
	}
}

func (a *storeActor) delete(ids []id.ObjectID) {
	for _, objID := range ids {
		if obj, ok := a.objects[objID]; ok {
			a.bytesUsed -= obj.Size()
			delete(a.objects, objID)
		}
	}
	a.reportUsage()
}

func (a *storeActor) reportUsage() {
	if a.cfg.OnBytesInUse != nil {
		a.cfg.OnBytesInUse(a.bytesUsed)
	}
}

func (a *storeActor) String() string {
	return fmt.Sprintf("plasma store (%d objects, %d bytes)", len(a.objects), a.bytesUsed)
}
