package actorsys

import (
	"context"
	"sync"
)

// rootActor is the trivial actor that owns the system's root address; it
// never receives application messages, only lifecycle ones.
type rootActor struct{}

func (rootActor) Receive(ctx *Context) error { return ErrUnexpectedMessage(ctx) }

// System is a self-contained actor runtime: a tree of actors rooted at a
// single Ref, plus a flat address -> Ref index used by ActorOf lookups.
type System struct {
	*Ref

	id string

	refsLock sync.Mutex
	refs     map[Address]*Ref
}

// NewSystem creates a new, empty actor system identified by id (used only
// for logging).
func NewSystem(id string) *System {
	s := &System{id: id, refs: make(map[Address]*Ref)}
	s.Ref = newRef(s, nil, rootAddress, rootActor{})
	s.refs[rootAddress] = s.Ref
	return s
}

// ActorOf registers actor at the given address, relative to the system
// root, returning the existing actor if one is already there. If the
// address's parent is not a registered actor, the new actor becomes a
// child of the root.
func (s *System) ActorOf(address Address, actor Actor) (*Ref, bool) {
	s.refsLock.Lock()
	parent, ok := s.refs[address.Parent()]
	s.refsLock.Unlock()
	if !ok {
		parent = s.Ref
	}
	return parent.createChild(address, actor)
}

// Get looks up a previously registered actor by address.
func (s *System) Get(address Address) *Ref {
	s.refsLock.Lock()
	defer s.refsLock.Unlock()
	return s.refs[address]
}

// Tell sends message to actor without blocking for a response.
func (s *System) Tell(actor *Ref, message Message) {
	actor.tell(context.Background(), nil, message)
}

// Ask sends message to actor and returns a future for the response.
func (s *System) Ask(actor *Ref, message Message) Response {
	return actor.ask(context.Background(), nil, message)
}

// AskAll sends message to every actor, returning responses as they
// complete.
func (s *System) AskAll(message Message, actors ...*Ref) Responses {
	return askAll(context.Background(), message, nil, actors)
}
