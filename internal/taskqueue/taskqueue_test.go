package taskqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

type immediateWaiter struct{}

func (immediateWaiter) Wait(deps []id.ObjectID, ready func()) func() {
	ready()
	return func() {}
}

type blockingWaiter struct {
	mu      sync.Mutex
	pending map[string]func()
}

func newBlockingWaiter() *blockingWaiter {
	return &blockingWaiter{pending: make(map[string]func())}
}

func (w *blockingWaiter) Wait(deps []id.ObjectID, ready func()) func() {
	key := ""
	for _, d := range deps {
		key += d.String()
	}
	w.mu.Lock()
	w.pending[key] = ready
	w.mu.Unlock()
	return func() {}
}

func (w *blockingWaiter) resolve(deps []id.ObjectID) {
	key := ""
	for _, d := range deps {
		key += d.String()
	}
	w.mu.Lock()
	ready := w.pending[key]
	w.mu.Unlock()
	if ready != nil {
		ready()
	}
}

func TestOrderedQueueReleasesInSequence(t *testing.T) {
	system := actorsys.NewSystem("taskqueue-test")
	var mu sync.Mutex
	var released []id.TaskID

	q := New(system, actorsys.Addr("q"), Ordered, immediateWaiter{}, func(r Runnable) {
		mu.Lock()
		released = append(released, r.TaskID)
		mu.Unlock()
	})

	caller := id.Address{}
	t1, t2 := id.NewTaskID(), id.NewTaskID()

	q.Add(Request{TaskID: t1, Caller: caller, SequenceNumber: 0})
	q.Add(Request{TaskID: t2, Caller: caller, SequenceNumber: 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []id.TaskID{t1, t2}, released)
}

func TestOutOfOrderRequestIsBuffered(t *testing.T) {
	system := actorsys.NewSystem("taskqueue-test")
	var mu sync.Mutex
	var released []id.TaskID

	q := New(system, actorsys.Addr("q"), Ordered, immediateWaiter{}, func(r Runnable) {
		mu.Lock()
		released = append(released, r.TaskID)
		mu.Unlock()
	})

	caller := id.Address{}
	t0, t1 := id.NewTaskID(), id.NewTaskID()

	// t1 (seq 1) arrives before t0 (seq 0); nothing should release yet.
	q.Add(Request{TaskID: t1, Caller: caller, SequenceNumber: 1})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Empty(t, released)
	mu.Unlock()

	q.Add(Request{TaskID: t0, Caller: caller, SequenceNumber: 0})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) == 2
	}, time.Second, time.Millisecond)
}

func TestStaleRequestRejected(t *testing.T) {
	system := actorsys.NewSystem("taskqueue-test")
	q := New(system, actorsys.Addr("q"), Ordered, immediateWaiter{}, func(Runnable) {})

	caller := id.Address{}
	rejected := make(chan string, 1)
	q.Add(Request{
		TaskID:         id.NewTaskID(),
		Caller:         caller,
		SequenceNumber: 0,
		ProcessedUpTo:  5,
		Callbacks:      Callbacks{Reject: func(reason string) { rejected <- reason }},
	})

	select {
	case reason := <-rejected:
		require.Contains(t, reason, "stale")
	case <-time.After(time.Second):
		t.Fatal("expected rejection")
	}
}

func TestCancelTaskIfFound(t *testing.T) {
	system := actorsys.NewSystem("taskqueue-test")
	waiter := newBlockingWaiter()
	q := New(system, actorsys.Addr("q"), Ordered, waiter, func(Runnable) {
		t.Fatal("task should have been cancelled before becoming runnable")
	})

	caller := id.Address{}
	taskID := id.NewTaskID()
	owner := id.NewTaskID()
	dep := id.ObjectIDFromIndex(owner, 1)

	rejected := make(chan string, 1)
	q.Add(Request{
		TaskID:         taskID,
		Caller:         caller,
		SequenceNumber: 0,
		Dependencies:   []id.ObjectID{dep},
		Callbacks:      Callbacks{Reject: func(reason string) { rejected <- reason }},
	})

	q.CancelTaskIfFound(taskID)

	select {
	case reason := <-rejected:
		require.Contains(t, reason, "cancelled")
	case <-time.After(time.Second):
		t.Fatal("expected cancellation rejection")
	}
}
