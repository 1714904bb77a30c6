// Package objectdirectory implements C5 of spec.md §4.3: the mapping
// from object id to the set of nodes holding a copy (or the URL it was
// spilled to), kept eventually consistent across the cluster through the
// GCS pub-sub mechanism of internal/gcs.
package objectdirectory

import (
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// Location is one of the places an object's bytes can currently be
// found.
type Location struct {
	NodeID     id.NodeID
	SpilledURL string
}

// Publisher pushes a location-set change to the cluster-wide directory
// (the GCS object table); Directory calls it whenever the local node
// learns about a new location, so peers learn about it too.
type Publisher interface {
	PublishLocations(objID id.ObjectID, locations []Location)
}

// NopPublisher discards every location update, for a single-node
// bootstrap with no cluster-wide directory to fan out to.
type NopPublisher struct{}

// PublishLocations implements Publisher.
func (NopPublisher) PublishLocations(id.ObjectID, []Location) {}

// Subscription delivers updates for one object id's location set until
// Cancel is called.
type Subscription struct {
	Updates <-chan []Location
	Cancel  func()
}

// Directory is a handle to a running object directory actor.
type Directory struct {
	ref       *actorsys.Ref
	publisher Publisher
}

// New starts a directory actor under system at address.
func New(system *actorsys.System, address actorsys.Address, publisher Publisher) *Directory {
	impl := &directoryActor{
		publisher:   publisher,
		locations:   make(map[id.ObjectID]map[Location]bool),
		subscribers: make(map[id.ObjectID]map[*subscriber]bool),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Directory{ref: ref, publisher: publisher}
}

type subscriber struct {
	ch chan []Location
}

type (
	reportMsg struct {
		id  id.ObjectID
		loc Location
	}
	removeMsg struct {
		id  id.ObjectID
		loc Location
	}
	lookupMsg   struct{ id id.ObjectID }
	lookupReply struct{ locations []Location }
	subscribeMsg struct {
		id id.ObjectID
		ch chan []Location
	}
	unsubscribeMsg struct {
		id id.ObjectID
		ch chan []Location
	}
	remoteUpdateMsg struct {
		id        id.ObjectID
		locations []Location
	}
)

// ReportLocation tells the directory that objID is now available at loc
// (typically: this node just sealed it), and propagates it to the
// cluster via Publisher.
func (d *Directory) ReportLocation(objID id.ObjectID, loc Location) {
	d.ref.System().Tell(d.ref, reportMsg{id: objID, loc: loc})
}

// RemoveLocation tells the directory that objID is no longer available
// at loc (e.g. it was freed from that node).
func (d *Directory) RemoveLocation(objID id.ObjectID, loc Location) {
	d.ref.System().Tell(d.ref, removeMsg{id: objID, loc: loc})
}

// Lookup returns the currently known locations for objID.
func (d *Directory) Lookup(objID id.ObjectID) []Location {
	resp := d.ref.System().Ask(d.ref, lookupMsg{id: objID})
	return resp.Get().(lookupReply).locations
}

// Subscribe starts delivering location updates for objID.
func (d *Directory) Subscribe(objID id.ObjectID) Subscription {
	ch := make(chan []Location, 8)
	d.ref.System().Tell(d.ref, subscribeMsg{id: objID, ch: ch})
	return Subscription{
		Updates: ch,
		Cancel: func() {
			d.ref.System().Tell(d.ref, unsubscribeMsg{id: objID, ch: ch})
		},
	}
}

// HandleRemoteUpdate applies a location-set update received from the GCS
// pub-sub channel for an object owned by another node.
func (d *Directory) HandleRemoteUpdate(objID id.ObjectID, locations []Location) {
	d.ref.System().Tell(d.ref, remoteUpdateMsg{id: objID, locations: locations})
}

type directoryActor struct {
	publisher   Publisher
	locations   map[id.ObjectID]map[Location]bool
	subscribers map[id.ObjectID]map[*subscriber]bool
}

func (a *directoryActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		return nil
	case reportMsg:
		a.add(m.id, m.loc)
		a.notify(m.id)
		if a.publisher != nil {
			a.publisher.PublishLocations(m.id, a.list(m.id))
		}
	case removeMsg:
		a.remove(m.id, m.loc)
		a.notify(m.id)
		if a.publisher != nil {
			a.publisher.PublishLocations(m.id, a.list(m.id))
		}
	case lookupMsg:
		ctx.Respond(lookupReply{locations: a.list(m.id)})
	case subscribeMsg:
		a.addSubscriber(m.id, m.ch)
		m.ch <- a.list(m.id)
	case unsubscribeMsg:
		a.removeSubscriber(m.id, m.ch)
	case remoteUpdateMsg:
		set := make(map[Location]bool, len(m.locations))
		for _, loc := range m.locations {
			set[loc] = true
		}
		a.locations[m.id] = set
		a.notify(m.id)
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *directoryActor) set(objID id.ObjectID) map[Location]bool {
	s, ok := a.locations[objID]
	if !ok {
		s = make(map[Location]bool)
		a.locations[objID] = s
	}
	return s
}

func (a *directoryActor) add(objID id.ObjectID, loc Location) {
	a.set(objID)[loc] = true
}

func (a *directoryActor) remove(objID id.ObjectID, loc Location) {
	delete(a.set(objID), loc)
}

func (a *directoryActor) list(objID id.ObjectID) []Location {
	set := a.locations[objID]
	out := make([]Location, 0, len(set))
	for loc := range set {
		out = append(out, loc)
	}
	return out
}

func (a *directoryActor) addSubscriber(objID id.ObjectID, ch chan []Location) {
	subs, ok := a.subscribers[objID]
	if !ok {
		subs = make(map[*subscriber]bool)
		a.subscribers[objID] = subs
	}
	subs[&subscriber{ch: ch}] = true
}

func (a *directoryActor) removeSubscriber(objID id.ObjectID, ch chan []Location) {
	subs, ok := a.subscribers[objID]
	if !ok {
		return
	}
	for s := range subs {
		if s.ch == ch {
			delete(subs, s)
		}
	}
}

func (a *directoryActor) notify(objID id.ObjectID) {
	subs, ok := a.subscribers[objID]
	if !ok {
		return
	}
	locations := a.list(objID)
	for s := range subs {
		select {
		case s.ch <- locations:
		default:
		}
	}
}
