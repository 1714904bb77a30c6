package actorsys

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Internal actor reference messages.
type (
	stop struct{}

	createChild struct {
		address Address
		actor   Actor
	}

	childCreated struct {
		child   *Ref
		created bool
	}
)

// Ref is an immutable reference to a running actor.
type Ref struct {
	log *log.Entry

	address        Address
	registeredTime time.Time

	system       *System
	actor        Actor
	parent       *Ref
	children     map[Address]*Ref
	deadChildren map[Address]bool
	inbox        *inbox

	lLock     sync.Mutex
	err       error
	listeners []chan error
	shutdown  bool
}

func newRef(system *System, parent *Ref, address Address, actor Actor) *Ref {
	typeName := reflect.TypeOf(actor).String()
	if strings.Contains(typeName, ".") {
		typeName = strings.Split(typeName, ".")[1]
	}
	ref := &Ref{
		log: log.WithField("type", typeName).WithField("id", address.Local()).
			WithField("system", system.id),
		address:        address,
		registeredTime: time.Now(),
		system:         system,
		actor:          actor,
		parent:         parent,
		children:       make(map[Address]*Ref),
		deadChildren:   make(map[Address]bool),
		inbox:          newInbox(),
	}
	go ref.run()
	return ref
}

// Parent returns the actor's parent, or nil for the system root.
func (r *Ref) Parent() *Ref { return r.parent }

// Children returns the actor's current children.
func (r *Ref) Children() []*Ref {
	out := make([]*Ref, 0, len(r.children))
	for _, c := range r.children {
		out = append(out, c)
	}
	return out
}

// Address returns the actor's address.
func (r *Ref) Address() Address { return r.address }

// System returns the system this actor belongs to.
func (r *Ref) System() *System { return r.system }

func (r *Ref) String() string {
	return fmt.Sprintf("{%T created %v: %s://%s}", r.actor, r.registeredTime, r.system.id, r.address)
}

func (r *Ref) tell(ctx context.Context, sender *Ref, message Message) {
	r.inbox.tell(ctx, r, sender, message)
}

func (r *Ref) ask(ctx context.Context, sender *Ref, message Message) Response {
	return r.inbox.ask(ctx, r, sender, message)
}

func (r *Ref) sendInternalMessage(message Message) error {
	ctx := &Context{recipient: r, message: message}
	err := r.actor.Receive(ctx)
	if _, ok := err.(errUnexpectedMessage); err != nil && !ok {
		return err
	}
	return nil
}

func (r *Ref) createChild(address Address, actor Actor) (*Ref, bool) {
	if existing, ok := r.children[address]; ok {
		return existing, false
	}
	ref := newRef(r.system, r, address, actor)
	r.children[address] = ref

	r.system.refsLock.Lock()
	defer r.system.refsLock.Unlock()
	r.system.refs[address] = ref
	return ref, true
}

func (r *Ref) deleteChild(address Address) {
	delete(r.children, address)
	r.system.refsLock.Lock()
	defer r.system.refsLock.Unlock()
	delete(r.system.refs, address)
}

func (r *Ref) processMessage() bool {
	ctx := r.inbox.get()

	defer func() {
		if ctx.ExpectingResponse() {
			ctx.Respond(errNoResponse)
		}
	}()

	switch typed := ctx.Message().(type) {
	case Ping:
		ctx.Respond(typed)
		return false
	case createChild:
		child, created := r.createChild(typed.address, typed.actor)
		ctx.Respond(childCreated{child: child, created: created})
		return false
	case ChildFailed:
		if _, ok := r.deadChildren[typed.Child.address]; ok {
			delete(r.deadChildren, typed.Child.address)
			return false
		}
		r.deleteChild(typed.Child.address)
		if r.err = r.sendInternalMessage(ctx.Message()); r.err != nil {
			return true
		}
		return false
	case ChildStopped:
		if _, ok := r.deadChildren[typed.Child.address]; ok {
			delete(r.deadChildren, typed.Child.address)
			return false
		}
		r.deleteChild(typed.Child.address)
		if r.err = r.sendInternalMessage(ctx.Message()); r.err != nil {
			return true
		}
		return false
	case stop:
		return true
	}

	if ctx.Sender() == nil || !r.deadChildren[ctx.Sender().address] {
		r.err = r.actor.Receive(ctx)
	}
	return r.err != nil
}

func (r *Ref) run() {
	defer r.close()
	if r.err = r.sendInternalMessage(PreStart{}); r.err != nil {
		return
	}
	for {
		if r.processMessage() {
			return
		}
	}
}

// Stop asynchronously notifies the actor to stop.
func (r *Ref) Stop() { r.tell(context.Background(), nil, stop{}) }

// AwaitTermination waits for the actor to stop, returning any error from
// its lifecycle.
func (r *Ref) AwaitTermination() error {
	r.lLock.Lock()
	if r.shutdown {
		r.lLock.Unlock()
		return r.err
	}
	listener := make(chan error)
	r.listeners = append(r.listeners, listener)
	r.lLock.Unlock()
	return <-listener
}

// StopAndAwaitTermination synchronously stops the actor.
func (r *Ref) StopAndAwaitTermination() error {
	r.Stop()
	return r.AwaitTermination()
}

func (r *Ref) close() {
	r.lLock.Lock()
	defer r.lLock.Unlock()

	if rec := recover(); rec != nil {
		r.log.Error(rec, "\n", string(debug.Stack()))
		r.err = fmt.Errorf("unexpected panic: %v", rec)
	}
	if r.err != nil {
		r.log.WithError(r.err).Error("error while actor was running")
	}

	r.inbox.close()

	for _, child := range r.children {
		child.Stop()
	}
	var childErrs *multierror.Error
	for addr, child := range r.children {
		if tErr := child.AwaitTermination(); tErr != nil {
			childErrs = multierror.Append(childErrs, fmt.Errorf("closing child %s: %w", addr, tErr))
		}
	}
	if childErrs != nil {
		if r.err == nil {
			r.err = childErrs.ErrorOrNil()
		} else {
			r.err = multierror.Append(childErrs, r.err).ErrorOrNil()
		}
	}

	if err := r.sendInternalMessage(PostStop{}); err != nil {
		r.log.WithError(err).Error("error shutting down actor")
		if r.err == nil {
			r.err = err
		} else {
			r.err = multierror.Append(r.err, err).ErrorOrNil()
		}
	}

	if r != r.system.Ref {
		if r.err != nil {
			r.parent.tell(context.Background(), r, ChildFailed{Child: r, Error: r.err})
		} else {
			r.parent.tell(context.Background(), r, ChildStopped{Child: r})
		}
	}

	for _, listener := range r.listeners {
		if r.err != nil {
			listener <- r.err
		}
		close(listener)
	}

	r.shutdown = true
}

// MarshalJSON implements json.Marshaler.
func (r *Ref) MarshalJSON() ([]byte, error) { return json.Marshal(r.Address()) }
