package pushmanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

type fakeReader struct {
	data map[id.ObjectID][]byte
}

func (r *fakeReader) ReadObject(objID id.ObjectID) ([]byte, error) {
	d, ok := r.data[objID]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

type recordingSender struct {
	mu     sync.Mutex
	chunks [][]byte
	fail   bool
}

func (s *recordingSender) SendChunk(to id.NodeID, objID id.ObjectID, chunkIndex int, data []byte, isLast bool) error {
	if s.fail {
		return errors.New("network error")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.chunks = append(s.chunks, cp)
	return nil
}

func TestPushSplitsIntoChunks(t *testing.T) {
	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)
	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}

	reader := &fakeReader{data: map[id.ObjectID][]byte{objID: data}}
	sender := &recordingSender{}

	system := actorsys.NewSystem("push-test")
	mgr := New(system, actorsys.Addr("push"), reader, sender, Config{ChunkSize: 10})

	err := mgr.Push(objID, id.NewNodeID())
	require.NoError(t, err)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.chunks, 3)
	require.Len(t, sender.chunks[0], 10)
	require.Len(t, sender.chunks[2], 5)
}

// gatedSender blocks every SendChunk call until the test closes release,
// recording each call first so the test can observe how many chunks were
// actually dispatched while capacity was exhausted.
type gatedSender struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
}

func (s *gatedSender) SendChunk(to id.NodeID, objID id.ObjectID, chunkIndex int, data []byte, isLast bool) error {
	s.mu.Lock()
	s.calls = append(s.calls, objID.String())
	s.mu.Unlock()
	<-s.release
	return nil
}

func (s *gatedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestMaxBytesInFlightDefersSecondPushUntilCapacityFrees(t *testing.T) {
	owner1, owner2 := id.NewTaskID(), id.NewTaskID()
	obj1 := id.ObjectIDFromIndex(owner1, 1)
	obj2 := id.ObjectIDFromIndex(owner2, 1)
	node1, node2 := id.NewNodeID(), id.NewNodeID()

	reader := &fakeReader{data: map[id.ObjectID][]byte{
		obj1: make([]byte, 10),
		obj2: make([]byte, 10),
	}}
	sender := &gatedSender{release: make(chan struct{})}

	system := actorsys.NewSystem("push-test")
	mgr := New(system, actorsys.Addr("push"), reader, sender, Config{ChunkSize: 10, MaxBytesInFlight: 10})

	err1Ch := make(chan error, 1)
	go func() { err1Ch <- mgr.Push(obj1, node1) }()

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, time.Millisecond)

	err2Ch := make(chan error, 1)
	go func() { err2Ch <- mgr.Push(obj2, node2) }()

	// The second push's only chunk (10 bytes) is larger than the remaining
	// budget (0, since the first chunk already consumed the 10 byte cap),
	// so it must not be dispatched to the sender yet.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sender.callCount(), "second push must wait for in-flight capacity")

	close(sender.release)

	require.NoError(t, <-err1Ch)
	require.NoError(t, <-err2Ch)
	require.Equal(t, 2, sender.callCount())
}

func TestDuplicatePushResetsRemainingToFullChunkSet(t *testing.T) {
	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)
	data := make([]byte, 30)
	reader := &fakeReader{data: map[id.ObjectID][]byte{objID: data}}

	sender := &blockingFirstSender{started: make(chan struct{}), release: make(chan struct{})}

	system := actorsys.NewSystem("push-test")
	mgr := New(system, actorsys.Addr("push"), reader, sender, Config{ChunkSize: 10})

	dest := id.NewNodeID()
	firstErrCh := make(chan error, 1)
	go func() { firstErrCh <- mgr.Push(objID, dest) }()

	<-sender.started // the first chunk (index 0) is now blocked in flight

	secondErrCh := make(chan error, 1)
	go func() { secondErrCh <- mgr.Push(objID, dest) }()

	// Give the actor a moment to process the duplicate request and reset
	// the push's remaining-to-send count before releasing the first chunk.
	time.Sleep(20 * time.Millisecond)
	close(sender.release)

	require.NoError(t, <-firstErrCh)
	require.NoError(t, <-secondErrCh)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	// 3 chunks make up the object; a resend mid-flight must cause at least
	// one of them (chunk index 0, already in flight when the duplicate
	// arrived) to be sent again.
	require.Greater(t, len(sender.chunks), 3)
	zeroCount := 0
	for _, idx := range sender.chunks {
		if idx == 0 {
			zeroCount++
		}
	}
	require.GreaterOrEqual(t, zeroCount, 2)
}

// blockingFirstSender blocks only its first SendChunk call until release is
// closed, letting a test hold one chunk "in flight" while issuing a
// duplicate push request.
type blockingFirstSender struct {
	mu      sync.Mutex
	chunks  []int
	started chan struct{}
	release chan struct{}
}

func (s *blockingFirstSender) SendChunk(to id.NodeID, objID id.ObjectID, chunkIndex int, data []byte, isLast bool) error {
	s.mu.Lock()
	first := len(s.chunks) == 0
	s.chunks = append(s.chunks, chunkIndex)
	s.mu.Unlock()
	if first {
		close(s.started)
		<-s.release
	}
	return nil
}

func TestPushFailurePropagates(t *testing.T) {
	owner := id.NewTaskID()
	objID := id.ObjectIDFromIndex(owner, 1)
	reader := &fakeReader{data: map[id.ObjectID][]byte{objID: []byte("hello")}}
	sender := &recordingSender{fail: true}

	system := actorsys.NewSystem("push-test")
	mgr := New(system, actorsys.Addr("push"), reader, sender, Config{ChunkSize: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Push(objID, id.NewNodeID()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected push failure")
	}
}
