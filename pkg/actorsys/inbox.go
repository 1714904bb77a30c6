package actorsys

import "context"

// envelope is a single queued message along with enough context to route
// a response back to its asker, if any.
type envelope struct {
	ctx       context.Context
	message   Message
	sender    *Ref
	recipient *Ref
	result    chan<- Message
}

// inbox is a single actor's buffered mailbox, holding up to 16 envelopes;
// senders block while it is full. Only the actor's own run loop ever
// reads from it; any goroutine may write.
type inbox struct {
	msgs chan envelope
}

func newInbox() *inbox {
	return &inbox{msgs: make(chan envelope, 16)}
}

func (b *inbox) tell(ctx context.Context, recipient, sender *Ref, message Message) {
	b.msgs <- envelope{ctx: ctx, message: message, sender: sender, recipient: recipient}
}

func (b *inbox) ask(ctx context.Context, recipient, sender *Ref, message Message) Response {
	result := make(chan Message, 1)
	b.msgs <- envelope{ctx: ctx, message: message, sender: sender, recipient: recipient, result: result}
	return newResponse(sender, result)
}

// get blocks for the next envelope and wraps it as a Context for Receive.
func (b *inbox) get() *Context {
	e := <-b.msgs
	return &Context{
		inner:     e.ctx,
		message:   e.message,
		sender:    e.sender,
		recipient: e.recipient,
		result:    e.result,
	}
}

func (b *inbox) len() int { return len(b.msgs) }

// close drains remaining messages, answering any pending asks with
// errNoResponse so callers waiting on Response.Get don't hang forever.
func (b *inbox) close() {
	for {
		select {
		case e := <-b.msgs:
			if e.result != nil {
				e.result <- errNoResponse
				close(e.result)
			}
		default:
			return
		}
	}
}
