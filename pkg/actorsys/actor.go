// Package actorsys is a small in-process actor runtime: single-threaded
// mailboxes, supervision by parent/child, and ask/tell message passing.
// Every stateful subsystem in driftcore (object store, reference counter,
// cluster scheduler, GCS tables, actor manager, streaming channels) is
// implemented as one actor so that, per spec.md §5, each long-lived map
// has exactly one owning goroutine and no lock is held across an RPC.
package actorsys

// Message holds the communication protocol between actors.
type Message interface{}

// Actor lifecycle messages.
type (
	// PreStart notifies the actor before its reference starts receiving.
	PreStart struct{}

	// ChildStopped notifies a parent that a child stopped cleanly.
	ChildStopped struct {
		Child *Ref
	}

	// ChildFailed notifies a parent that a child stopped with an error.
	ChildFailed struct {
		Child *Ref
		Error error
	}

	// PostStop notifies the actor that it is shutting down.
	PostStop struct{}

	// Ping is automatically answered once every message sent before it has
	// been processed, letting a caller synchronize on mailbox drain.
	Ping struct{}
)

// Actor is an object that encapsulates both state and behavior.
type Actor interface {
	// Receive defines the actor's behavior. It is called once per inbox
	// message until the actor is stopped.
	Receive(ctx *Context) error
}

// Func adapts a plain function to the Actor interface, useful for tests
// and small one-off actors.
type Func func(ctx *Context) error

// Receive implements Actor.
func (f Func) Receive(ctx *Context) error { return f(ctx) }
