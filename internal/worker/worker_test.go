package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

type fakeStore struct {
	objects map[id.ObjectID][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[id.ObjectID][]byte)} }

func (s *fakeStore) Get(ids []id.ObjectID, timeout time.Duration) []GetResult {
	out := make([]GetResult, len(ids))
	for i, objID := range ids {
		data, ok := s.objects[objID]
		out[i] = GetResult{ID: objID, Data: data, Pending: !ok}
	}
	return out
}

func (s *fakeStore) CreateAndSeal(objID id.ObjectID, data []byte, owner id.Address) error {
	s.objects[objID] = append([]byte(nil), data...)
	return nil
}

func TestExecuteInlinesSmallReturn(t *testing.T) {
	store := newFakeStore()
	system := actorsys.NewSystem("worker-test")
	w := New(system, actorsys.Addr("w"), store, Config{InlineThreshold: 1024, DefaultPoolSize: 2}, nil)

	reply := w.Execute(Request{
		TaskID: id.NewTaskID(),
		Function: func(args [][]byte) ([][]byte, error) {
			return [][]byte{[]byte("ok")}, nil
		},
	})

	require.False(t, reply.IsApplicationError)
	require.Equal(t, [][]byte{[]byte("ok")}, reply.InlinedReturns)
	require.Empty(t, reply.ReferenceReturns)
}

func TestExecuteWritesLargeReturnByReference(t *testing.T) {
	store := newFakeStore()
	system := actorsys.NewSystem("worker-test")
	w := New(system, actorsys.Addr("w"), store, Config{InlineThreshold: 1, DefaultPoolSize: 2}, nil)

	reply := w.Execute(Request{
		TaskID: id.NewTaskID(),
		Function: func(args [][]byte) ([][]byte, error) {
			return [][]byte{[]byte("a large return value")}, nil
		},
	})

	require.False(t, reply.IsApplicationError)
	require.Empty(t, reply.InlinedReturns)
	require.Len(t, reply.ReferenceReturns, 1)
}

func TestExecuteResolvesByRefArgs(t *testing.T) {
	store := newFakeStore()
	owner := id.NewTaskID()
	depID := id.ObjectIDFromIndex(owner, 1)
	store.objects[depID] = []byte("dependency-bytes")

	system := actorsys.NewSystem("worker-test")
	w := New(system, actorsys.Addr("w"), store, Config{InlineThreshold: 1024, DefaultPoolSize: 2}, nil)

	var seen []byte
	reply := w.Execute(Request{
		TaskID: id.NewTaskID(),
		Args:   []Arg{{ByRef: &depID}},
		Function: func(args [][]byte) ([][]byte, error) {
			seen = args[0]
			return nil, nil
		},
	})

	require.False(t, reply.IsApplicationError)
	require.Equal(t, []byte("dependency-bytes"), seen)
}

func TestExecuteApplicationErrorIsNotRPCFailure(t *testing.T) {
	store := newFakeStore()
	system := actorsys.NewSystem("worker-test")
	w := New(system, actorsys.Addr("w"), store, Config{InlineThreshold: 1024, DefaultPoolSize: 2}, nil)

	reply := w.Execute(Request{
		TaskID: id.NewTaskID(),
		Function: func(args [][]byte) ([][]byte, error) {
			return nil, errors.New("user code blew up")
		},
	})

	require.True(t, reply.IsApplicationError)
}

func TestDuplicateActorCreationIsIdempotent(t *testing.T) {
	store := newFakeStore()
	system := actorsys.NewSystem("worker-test")
	w := New(system, actorsys.Addr("w"), store, Config{InlineThreshold: 1024, DefaultPoolSize: 2}, nil)

	actorID := id.NewActorID()
	calls := 0
	fn := func(args [][]byte) ([][]byte, error) {
		calls++
		return nil, nil
	}

	r1 := w.Execute(Request{TaskID: id.NewTaskID(), ActorID: actorID, IsActorCreation: true, Function: fn})
	r2 := w.Execute(Request{TaskID: id.NewTaskID(), ActorID: actorID, IsActorCreation: true, Function: fn})

	require.False(t, r1.IsApplicationError)
	require.False(t, r2.IsApplicationError)
	require.Equal(t, 1, calls)
}

func TestMaxCallsTriggersWorkerExiting(t *testing.T) {
	store := newFakeStore()
	system := actorsys.NewSystem("worker-test")
	exited := make(chan string, 1)
	w := New(system, actorsys.Addr("w"), store, Config{InlineThreshold: 1024, DefaultPoolSize: 1}, func(reason string) {
		exited <- reason
	})

	fn := func(args [][]byte) ([][]byte, error) { return nil, nil }
	r1 := w.Execute(Request{TaskID: id.NewTaskID(), Function: fn, MaxCalls: 2})
	require.False(t, r1.WorkerExiting)
	r2 := w.Execute(Request{TaskID: id.NewTaskID(), Function: fn, MaxCalls: 2})
	require.True(t, r2.WorkerExiting)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("expected exit notification")
	}
}
