package actorsys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoActor struct {
	received []Message
}

func (a *echoActor) Receive(ctx *Context) error {
	a.received = append(a.received, ctx.Message())
	if ctx.ExpectingResponse() {
		ctx.Respond(ctx.Message())
	}
	return nil
}

func TestActorOfAndAsk(t *testing.T) {
	system := NewSystem(t.Name())
	ref, created := system.ActorOf(Addr("echo"), &echoActor{})
	require.NotNil(t, ref)
	require.True(t, created)

	resp := system.Ask(ref, "hello")
	assert.Equal(t, "hello", resp.Get())

	require.NoError(t, system.StopAndAwaitTermination())
}

func TestActorOfIsIdempotent(t *testing.T) {
	system := NewSystem(t.Name())
	ref1, created1 := system.ActorOf(Addr("dup"), &echoActor{})
	ref2, created2 := system.ActorOf(Addr("dup"), &echoActor{})
	assert.True(t, created1)
	assert.False(t, created2)
	assert.Same(t, ref1, ref2)
	require.NoError(t, system.StopAndAwaitTermination())
}

func TestAskTimeout(t *testing.T) {
	system := NewSystem(t.Name())
	slow := Func(func(ctx *Context) error {
		if ctx.ExpectingResponse() {
			time.Sleep(50 * time.Millisecond)
			ctx.Respond("done")
		}
		return nil
	})
	ref, _ := system.ActorOf(Addr("slow"), slow)
	resp := system.Ask(ref, "go")
	_, ok := resp.GetOrTimeout(time.Millisecond)
	assert.False(t, ok)
	require.NoError(t, system.StopAndAwaitTermination())
}

func TestAskAll(t *testing.T) {
	system := NewSystem(t.Name())
	var refs []*Ref
	for i := 0; i < 3; i++ {
		ref, _ := system.ActorOf(Addr("w", i), &echoActor{})
		refs = append(refs, ref)
	}
	count := 0
	for resp := range system.AskAll("ping", refs...) {
		assert.Equal(t, "ping", resp.Get())
		count++
	}
	assert.Equal(t, 3, count)
	require.NoError(t, system.StopAndAwaitTermination())
}

func TestChildSupervisionOnFailure(t *testing.T) {
	system := NewSystem(t.Name())
	var failed *ChildFailed
	parent := Func(func(ctx *Context) error {
		switch m := ctx.Message().(type) {
		case string:
			ctx.ActorOf("child", Func(func(cctx *Context) error {
				return assertErr
			}))
		case ChildFailed:
			failed = &m
		}
		return nil
	})
	ref, _ := system.ActorOf(Addr("parent"), parent)
	system.Tell(ref, "spawn")
	askResp := system.Ask(ref, Ping{})
	askResp.Get()
	require.NoError(t, system.StopAndAwaitTermination())
	require.NotNil(t, failed)
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
