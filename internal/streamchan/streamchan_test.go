package streamchan

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// loopbackTransport hands every Send straight to a registered consumer
// or producer HandleInbound callback, simulating a connected pair
// without a real network.
type loopbackTransport struct {
	mu       sync.Mutex
	handlers map[id.ActorID]func(Envelope)
}

func newLoopback() *loopbackTransport {
	return &loopbackTransport{handlers: make(map[id.ActorID]func(Envelope))}
}

func (l *loopbackTransport) register(actor id.ActorID, handler func(Envelope)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[actor] = handler
}

func (l *loopbackTransport) Send(to id.ActorID, env Envelope) error {
	l.mu.Lock()
	h := l.handlers[to]
	l.mu.Unlock()
	if h != nil {
		h(env)
	}
	return nil
}

func TestDataDeliveredInOrder(t *testing.T) {
	system := actorsys.NewSystem("streamchan-test")
	channel := id.NewChannelID()
	producerID, consumerID := id.NewActorID(), id.NewActorID()
	transport := newLoopback()

	var mu sync.Mutex
	var got []Delivery
	consumer := NewConsumer(system, actorsys.Addr("consumer"), channel, consumerID, producerID, transport,
		func(d Delivery) {
			mu.Lock()
			got = append(got, d)
			mu.Unlock()
		}, nil)
	transport.register(consumerID, consumer.HandleInbound)

	producer := NewProducer(system, actorsys.Addr("producer"), channel, producerID, consumerID, transport, nil, Config{})
	transport.register(producerID, producer.HandleInbound)

	require.NoError(t, producer.Send([]byte("m0")))
	require.NoError(t, producer.Send([]byte("m1")))
	require.NoError(t, producer.Send([]byte("m2")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "m0", string(got[0].Payload))
	require.Equal(t, "m1", string(got[1].Payload))
	require.Equal(t, "m2", string(got[2].Payload))
}

func TestBarrierAckCompactsRing(t *testing.T) {
	system := actorsys.NewSystem("streamchan-test")
	channel := id.NewChannelID()
	producerID, consumerID := id.NewActorID(), id.NewActorID()
	transport := newLoopback()

	var barrierSeen int64
	consumer := NewConsumer(system, actorsys.Addr("consumer"), channel, consumerID, producerID, transport,
		func(Delivery) {}, func(b int64) { barrierSeen = b })
	transport.register(consumerID, consumer.HandleInbound)

	producer := NewProducer(system, actorsys.Addr("producer"), channel, producerID, consumerID, transport, nil, Config{})
	transport.register(producerID, producer.HandleInbound)

	require.NoError(t, producer.Send([]byte("a")))
	require.NoError(t, producer.Send([]byte("b")))

	barrierID := producer.Barrier()
	require.Equal(t, int64(1), barrierID)

	require.Eventually(t, func() bool { return barrierSeen == barrierID }, time.Second, time.Millisecond)

	consumer.AckBarrier(barrierID)
	// Sending after the ack must still succeed; the ring should have
	// compacted without error even though "a" and "b" are now below the
	// checkpoint.
	require.NoError(t, producer.Send([]byte("c")))
}

// TestOnBarrierAckCompactsUsingLastMessageIDCovered exercises the producer
// actor's internal state directly (white-box, same package) so the barrier
// id and the message id it covers can be made to diverge enough that a
// regression comparing lastCommittedID against the wrong one would be
// caught: barrier id 1 here covers message id 9, far apart.
func TestOnBarrierAckCompactsUsingLastMessageIDCovered(t *testing.T) {
	a := &producerActor{
		store:           NopBarrierStore{},
		barrierCoverage: make(map[int64]int64),
	}
	for i := int64(0); i < 10; i++ {
		a.ring = append(a.ring, ringMessage{messageID: i, payload: []byte{byte(i)}})
		a.ringBytes++
	}
	a.nextMessageID = 10
	a.barrierCoverage[1] = 9

	a.onBarrierAck(1)

	require.Equal(t, int64(9), a.lastCommittedID)
	require.Len(t, a.ring, 1, "compact must retain only messages at or after LastMessageIDCovered, not the barrier id")
	require.Equal(t, int64(9), a.ring[0].messageID)
}

func TestResubscribeReplaysFromMessageID(t *testing.T) {
	system := actorsys.NewSystem("streamchan-test")
	channel := id.NewChannelID()
	producerID, consumerID := id.NewActorID(), id.NewActorID()
	transport := newLoopback()

	var mu sync.Mutex
	var got []Delivery
	producer := NewProducer(system, actorsys.Addr("producer"), channel, producerID, consumerID, transport, nil, Config{})
	transport.register(producerID, producer.HandleInbound)

	consumer := NewConsumer(system, actorsys.Addr("consumer"), channel, consumerID, producerID, transport,
		func(d Delivery) {
			mu.Lock()
			got = append(got, d)
			mu.Unlock()
		}, nil)
	transport.register(consumerID, consumer.HandleInbound)

	require.NoError(t, producer.Send([]byte("x0")))
	require.NoError(t, producer.Send([]byte("x1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	consumer.Resubscribe(0)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2 && got[len(got)-1].MessageID == 1
	}, time.Second, time.Millisecond)
}

func TestFileBarrierStoreRoundTrip(t *testing.T) {
	store, err := NewFileBarrierStore(t.TempDir())
	require.NoError(t, err)
	channel := id.NewChannelID()

	require.NoError(t, store.SaveBarrier(channel, BarrierSnapshot{BarrierID: 1, FirstMessageIDCovered: 0, LastMessageIDCovered: 9}))
	require.NoError(t, store.SaveBarrier(channel, BarrierSnapshot{BarrierID: 2, FirstMessageIDCovered: 10, LastMessageIDCovered: 19}))

	snaps, err := store.LoadBarriers(channel)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, int64(2), snaps[1].BarrierID)
}
