package actorsys

import "time"

// Response is a future for the result of an Ask call.
type Response struct {
	source *Ref
	result <-chan Message
	cached Message
	got    bool
}

func newResponse(source *Ref, result <-chan Message) Response {
	return Response{source: source, result: result}
}

// Source returns the actor the response originated from.
func (r Response) Source() *Ref { return r.source }

// Empty reports whether the response channel is nil (no ask was made).
func (r Response) Empty() bool { return r.result == nil }

// Get blocks until the response is available.
func (r *Response) Get() Message {
	if !r.got {
		r.cached = <-r.result
		r.got = true
	}
	return r.cached
}

// GetOrTimeout blocks until the response is available or the timeout
// elapses, returning the zero Message and false on timeout.
func (r *Response) GetOrTimeout(timeout time.Duration) (Message, bool) {
	if r.got {
		return r.cached, true
	}
	select {
	case m := <-r.result:
		r.cached = m
		r.got = true
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// GetOrElseTimeout behaves like GetOrTimeout but substitutes a default
// value on timeout instead of returning ok=false alone.
func (r *Response) GetOrElseTimeout(orElse Message, timeout time.Duration) (Message, bool) {
	if m, ok := r.GetOrTimeout(timeout); ok {
		return m, true
	}
	return orElse, false
}

// Responses wraps a collection of responses from different actors,
// delivered in arbitrary order as they complete.
type Responses <-chan Response

// GetAll waits for all actors to respond and returns a mapping of each
// actor to its response.
func (r Responses) GetAll() map[*Ref]Message {
	out := make(map[*Ref]Message, cap(r))
	for resp := range r {
		if !resp.Empty() {
			resp := resp
			out[resp.Source()] = resp.Get()
		}
	}
	return out
}
