package actorsys

import (
	"errors"
	"fmt"
)

// errNoResponse is delivered to an asker whose target actor shut down, or
// whose message was dropped on mailbox close, without ever calling
// Respond.
var errNoResponse = errors.New("actor stopped without responding")

// errUnexpectedMessage is returned by Actor implementations (via
// ErrUnexpectedMessage) for messages they do not understand.
type errUnexpectedMessage struct {
	ctx *Context
}

// ErrUnexpectedMessage builds the standard "don't know how to handle
// this" error for use inside an Actor's Receive method.
func ErrUnexpectedMessage(ctx *Context) error {
	return errUnexpectedMessage{ctx: ctx}
}

func (e errUnexpectedMessage) Error() string {
	sender := "<external>"
	if e.ctx.sender != nil {
		sender = e.ctx.sender.address.String()
	}
	recipient := "<unknown>"
	if e.ctx.recipient != nil {
		recipient = e.ctx.recipient.address.String()
	}
	responseNote := "no response expected"
	if e.ctx.result != nil {
		responseNote = "response expected"
	}
	return fmt.Sprintf(
		"unexpected message from %s to %s (%T): %v (%s)",
		sender, recipient, e.ctx.message, e.ctx.message, responseNote,
	)
}
