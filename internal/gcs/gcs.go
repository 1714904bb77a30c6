// Package gcs implements C15 of spec.md §4.11: kv tables keyed by id
// (actors, nodes, placement groups, jobs, workers) with write-then-
// publish semantics, so every successful write notifies subscribers
// before the write call returns.
package gcs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/driftrun/driftcore/pkg/actorsys"
)

// Record is anything a Table can store: a row addressable by a stable
// string id.
type Record interface {
	RecordID() string
}

// Backend durably persists table rows. The in-process store (rows map)
// is always authoritative for reads; Backend exists so a write is only
// acknowledged once it is durable, per spec.md §4.11's "RAY_CHECK_OK on
// write is safe" guarantee.
type Backend interface {
	Save(table, id string, data []byte) error
	Load(table, id string) ([]byte, error)
	Delete(table, id string) error
}

// NopBackend acknowledges every write without persisting it; suitable
// for tests and for tables whose rows are reconstructible from other
// state (e.g. derived from live scheduler state).
type NopBackend struct{}

func (NopBackend) Save(string, string, []byte) error { return nil }
func (NopBackend) Load(string, string) ([]byte, error) {
	return nil, errors.New("gcs: nop backend has no rows")
}
func (NopBackend) Delete(string, string) error { return nil }

// FileBackend persists each row as one file under root/<table>/<id>.json.
type FileBackend struct {
	root string
}

// NewFileBackend returns a Backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "gcs: creating backend root")
	}
	return &FileBackend{root: dir}, nil
}

func (f *FileBackend) path(table, id string) string {
	return filepath.Join(f.root, table, id+".json")
}

func (f *FileBackend) Save(table, id string, data []byte) error {
	p := f.path(table, id)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return errors.Wrapf(err, "gcs: creating table dir for %s", table)
	}
	return errors.Wrapf(os.WriteFile(p, data, 0o600), "gcs: writing %s/%s", table, id)
}

func (f *FileBackend) Load(table, id string) ([]byte, error) {
	data, err := os.ReadFile(f.path(table, id))
	if err != nil {
		return nil, errors.Wrapf(err, "gcs: reading %s/%s", table, id)
	}
	return data, nil
}

func (f *FileBackend) Delete(table, id string) error {
	err := os.Remove(f.path(table, id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "gcs: deleting %s/%s", table, id)
	}
	return nil
}

// Notification is what a subscriber receives when a row is written or
// removed. Removed is set for deletions, in which case Record is the
// last known value (or the zero value if the row was never seen).
type Notification[T Record] struct {
	Table   string
	Record  T
	Removed bool
}

// Subscription is a live feed of a Table's notifications.
type Subscription[T Record] struct {
	ch     <-chan Notification[T]
	cancel func()
}

// C returns the channel to range/select over.
func (s Subscription[T]) C() <-chan Notification[T] { return s.ch }

// Cancel stops delivery and releases the subscriber slot.
func (s Subscription[T]) Cancel() { s.cancel() }

// Table is a handle to a running kv-table actor for rows of type T.
type Table[T Record] struct {
	ref  *actorsys.Ref
	name string
}

// NewTable starts a table actor named name (one of "actors", "nodes",
// "placement_groups", "jobs", "workers" per spec.md §4.11, though any
// name works) backed by backend for durability.
func NewTable[T Record](system *actorsys.System, address actorsys.Address, name string, backend Backend) *Table[T] {
	if backend == nil {
		backend = NopBackend{}
	}
	impl := &tableActor[T]{
		name:    name,
		backend: backend,
		rows:    make(map[string]T),
		subs:    make(map[int]chan Notification[T]),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Table[T]{ref: ref, name: name}
}

// Put durably writes record and, on success, publishes a notification
// to every current subscriber before returning.
func (t *Table[T]) Put(record T) error {
	reply := make(chan error, 1)
	t.ref.System().Tell(t.ref, putMsg[T]{record: record, reply: reply})
	return <-reply
}

// Get returns the current row for id, if any.
func (t *Table[T]) Get(id string) (T, bool) {
	reply := make(chan getResult[T], 1)
	t.ref.System().Tell(t.ref, getMsg[T]{id: id, reply: reply})
	r := <-reply
	return r.record, r.ok
}

// Delete removes id's row, publishing a Removed notification on success.
func (t *Table[T]) Delete(id string) error {
	reply := make(chan error, 1)
	t.ref.System().Tell(t.ref, deleteMsg[T]{id: id, reply: reply})
	return <-reply
}

// Subscribe opens a feed of every future Put/Delete on this table.
// Subscribers that fall behind have notifications dropped rather than
// stalling the table's owning goroutine; callers needing a consistent
// view should re-Get by id on receipt, which is why notifications
// carry the full record rather than a diff.
func (t *Table[T]) Subscribe() Subscription[T] {
	reply := make(chan Subscription[T], 1)
	t.ref.System().Tell(t.ref, subscribeMsg[T]{reply: reply})
	return <-reply
}

type (
	putMsg[T Record] struct {
		record T
		reply  chan error
	}
	getMsg[T Record] struct {
		id    string
		reply chan getResult[T]
	}
	getResult[T Record] struct {
		record T
		ok     bool
	}
	deleteMsg[T Record] struct {
		id    string
		reply chan error
	}
	subscribeMsg[T Record] struct {
		reply chan Subscription[T]
	}
	unsubscribeMsg struct {
		id int
	}
)

type tableActor[T Record] struct {
	name    string
	backend Backend
	self    *actorsys.Ref

	rows      map[string]T
	subs      map[int]chan Notification[T]
	nextSubID int
}

func (a *tableActor[T]) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.self = ctx.Self()
	case putMsg[T]:
		a.put(m)
	case getMsg[T]:
		record, ok := a.rows[m.id]
		m.reply <- getResult[T]{record: record, ok: ok}
	case deleteMsg[T]:
		a.delete(m)
	case subscribeMsg[T]:
		a.subscribe(m)
	case unsubscribeMsg:
		delete(a.subs, m.id)
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *tableActor[T]) put(m putMsg[T]) {
	data, err := json.Marshal(m.record)
	if err != nil {
		m.reply <- errors.Wrap(err, "gcs: marshaling row")
		return
	}
	if err := a.backend.Save(a.name, m.record.RecordID(), data); err != nil {
		m.reply <- err
		return
	}
	a.rows[m.record.RecordID()] = m.record
	a.publish(Notification[T]{Table: a.name, Record: m.record})
	m.reply <- nil
}

func (a *tableActor[T]) delete(m deleteMsg[T]) {
	if err := a.backend.Delete(a.name, m.id); err != nil {
		m.reply <- err
		return
	}
	last := a.rows[m.id]
	delete(a.rows, m.id)
	a.publish(Notification[T]{Table: a.name, Record: last, Removed: true})
	m.reply <- nil
}

func (a *tableActor[T]) subscribe(m subscribeMsg[T]) {
	id := a.nextSubID
	a.nextSubID++
	ch := make(chan Notification[T], 64)
	a.subs[id] = ch
	self := a.self
	system := self.System()
	m.reply <- Subscription[T]{
		ch: ch,
		cancel: func() {
			system.Tell(self, unsubscribeMsg{id: id})
		},
	}
}

func (a *tableActor[T]) publish(n Notification[T]) {
	for _, ch := range a.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// ActorCache maintains a caller-side actor_id -> address cache refreshed
// on every GCS actors-table notification, per spec.md §4.11.
type ActorCache struct {
	mu        sync.RWMutex
	addresses map[string]string
	states    map[string]string
}

// NewActorCache starts consuming sub until it is cancelled.
func NewActorCache(sub Subscription[ActorRow]) *ActorCache {
	c := &ActorCache{addresses: make(map[string]string), states: make(map[string]string)}
	go func() {
		for n := range sub.C() {
			c.mu.Lock()
			if n.Removed {
				delete(c.addresses, n.Record.ID)
				delete(c.states, n.Record.ID)
			} else {
				c.addresses[n.Record.ID] = n.Record.Address
				c.states[n.Record.ID] = n.Record.State
			}
			c.mu.Unlock()
		}
	}()
	return c
}

// Address returns the last known address for actorID, if cached.
func (c *ActorCache) Address(actorID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.addresses[actorID]
	return addr, ok
}

// State returns the last known lifecycle state string for actorID.
func (c *ActorCache) State(actorID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[actorID]
	return s, ok
}

// ActorRow is the actors-table row shape notifications carry:
// {id, state, address, num_restarts} per spec.md §4.11.
type ActorRow struct {
	ID          string
	State       string
	Address     string
	NumRestarts int
}

func (r ActorRow) RecordID() string { return r.ID }

// NodeRow is the nodes-table row shape.
type NodeRow struct {
	ID         string
	Address    string
	IsDraining bool
}

func (r NodeRow) RecordID() string { return r.ID }

// PlacementGroupRow is the placement-groups-table row shape.
type PlacementGroupRow struct {
	ID    string
	State string
}

func (r PlacementGroupRow) RecordID() string { return r.ID }

// JobRow is the jobs-table row shape.
type JobRow struct {
	ID    string
	State string
}

func (r JobRow) RecordID() string { return r.ID }

// WorkerRow is the workers-table row shape.
type WorkerRow struct {
	ID      string
	NodeID  string
	Address string
}

func (r WorkerRow) RecordID() string { return r.ID }
