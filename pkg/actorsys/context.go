package actorsys

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Context holds contextual information for the recipient and the current
// message being processed.
type Context struct {
	inner      context.Context
	message    Message
	sender     *Ref
	recipient  *Ref
	result     chan<- Message
	resultSent bool
}

// Message returns the message being processed.
func (c *Context) Message() Message { return c.message }

// Sender returns the actor that sent the message, or nil if it did not
// originate from another actor.
func (c *Context) Sender() *Ref { return c.sender }

// Self returns the reference to the recipient actor.
func (c *Context) Self() *Ref { return c.recipient }

// Log returns the recipient's logger.
func (c *Context) Log() *log.Entry { return c.recipient.log }

// Tell sends message to actor, fire-and-forget, on behalf of the
// recipient.
func (c *Context) Tell(actor *Ref, message Message) {
	actor.tell(c.inner, c.recipient, message)
}

// Ask sends message to actor and returns a future for its response.
func (c *Context) Ask(actor *Ref, message Message) Response {
	return actor.ask(c.inner, c.recipient, message)
}

// AskAll sends message to every actor and returns their responses as they
// arrive, in arbitrary order.
func (c *Context) AskAll(message Message, actors ...*Ref) Responses {
	return askAll(c.inner, message, c.recipient, actors)
}

// ActorOf registers actor as a child of the recipient, returning the
// existing child if one is already registered at that id.
func (c *Context) ActorOf(localID interface{}, actor Actor) (*Ref, bool) {
	return c.recipient.createChild(c.recipient.address.Child(localID), actor)
}

// ExpectingResponse reports whether the sender of the current message is
// waiting on a Respond call.
func (c *Context) ExpectingResponse() bool {
	return c.result != nil && !c.resultSent
}

// Respond sends message back to the asker. Panics if no ask is pending.
func (c *Context) Respond(message Message) {
	if c.result == nil {
		panic("sender is not expecting a response")
	}
	c.resultSent = true
	c.result <- message
	close(c.result)
}

// RespondCheckError responds with err if non-nil, else with message.
func (c *Context) RespondCheckError(message Message, err error) {
	if err != nil {
		c.Respond(err)
		return
	}
	c.Respond(message)
}

func askAll(ctx context.Context, message Message, sender *Ref, actors []*Ref) Responses {
	results := make(chan Response, len(actors))
	var wg sync.WaitGroup
	wg.Add(len(actors))
	for _, a := range actors {
		resp := a.ask(ctx, sender, message)
		go func(r Response) {
			defer wg.Done()
			r.GetOrTimeout(time.Hour)
			results <- r
		}(resp)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}
