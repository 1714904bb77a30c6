// Package streamchan implements C16 of spec.md §4.12: a typed FIFO
// streaming channel between a producer actor and a consumer actor, with
// a ring-buffered backlog, a periodic barrier/checkpoint protocol, and
// pull-based replay for reliability.
package streamchan

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// Reliability selects the channel's delivery guarantee per spec.md
// §4.12.
type Reliability string

const (
	ExactlySame Reliability = "EXACTLY_SAME"
	AtLeastOnce Reliability = "AT_LEAST_ONCE"
)

// EnvelopeKind is the wire-level tag for a streaming channel envelope.
type EnvelopeKind string

const (
	Data             EnvelopeKind = "DATA"
	Barrier          EnvelopeKind = "BARRIER"
	Empty            EnvelopeKind = "EMPTY"
	PullRequest      EnvelopeKind = "PULL_REQUEST"
	PullData         EnvelopeKind = "PULL_DATA"
	Notification     EnvelopeKind = "NOTIFICATION"
	CheckStatus      EnvelopeKind = "CHECK_STATUS"
	Resubscribe      EnvelopeKind = "RESUBSCRIBE"
	GetLastMessageID EnvelopeKind = "GET_LAST_MESSAGE_ID"
)

// Envelope is the wire unit every channel message travels as, carrying
// the fields spec.md §4.12 names: "(src_actor, dst_actor, channel_id,
// sequence fields, payload)".
type Envelope struct {
	Kind      EnvelopeKind
	SrcActor  id.ActorID
	DstActor  id.ActorID
	ChannelID id.ChannelID

	MessageID     int64
	BarrierID     int64
	FromMessageID int64 // PullRequest: replay starting point

	Payload []byte
	SentAt  time.Time
}

// Transport delivers envelopes to the peer actor on the other end of a
// channel; the concrete implementation lives over pkg/ws in a full
// deployment, tests substitute a fake.
type Transport interface {
	Send(to id.ActorID, env Envelope) error
}

// BarrierStore durably records each barrier's covered message-id range,
// keyed by channel id, so a restarted producer can answer PullRequest
// and resubscription queries without replaying data it already
// checkpointed past. Mirrors the per-channel checkpoint blobs named in
// spec.md §6 ("Per-channel checkpoint blobs keyed by
// <channel_id>_<checkpoint_id>").
type BarrierStore interface {
	SaveBarrier(channel id.ChannelID, snap BarrierSnapshot) error
	LoadBarriers(channel id.ChannelID) ([]BarrierSnapshot, error)
}

// BarrierSnapshot is the persisted record for one barrier.
type BarrierSnapshot struct {
	BarrierID         int64
	FirstMessageIDCovered int64
	LastMessageIDCovered  int64
}

// NopBarrierStore discards barriers; replay after a crash is limited to
// whatever remains in the in-memory ring.
type NopBarrierStore struct{}

func (NopBarrierStore) SaveBarrier(id.ChannelID, BarrierSnapshot) error { return nil }
func (NopBarrierStore) LoadBarriers(id.ChannelID) ([]BarrierSnapshot, error) {
	return nil, nil
}

// FileBarrierStore appends each channel's barrier snapshots as
// newline-delimited JSON under root/<channel_id>.jsonl.
type FileBarrierStore struct {
	root string
}

func NewFileBarrierStore(dir string) (*FileBarrierStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "streamchan: creating barrier store root")
	}
	return &FileBarrierStore{root: dir}, nil
}

func (f *FileBarrierStore) path(channel id.ChannelID) string {
	return filepath.Join(f.root, channel.String()+".jsonl")
}

func (f *FileBarrierStore) SaveBarrier(channel id.ChannelID, snap BarrierSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "streamchan: marshaling barrier snapshot")
	}
	file, err := os.OpenFile(f.path(channel), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "streamchan: opening barrier file")
	}
	defer file.Close()
	_, err = file.Write(append(data, '\n'))
	return errors.Wrap(err, "streamchan: appending barrier")
}

func (f *FileBarrierStore) LoadBarriers(channel id.ChannelID) ([]BarrierSnapshot, error) {
	data, err := os.ReadFile(f.path(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "streamchan: reading barrier file")
	}
	var out []BarrierSnapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var snap BarrierSnapshot
		if err := dec.Decode(&snap); err != nil {
			return nil, errors.Wrap(err, "streamchan: decoding barrier snapshot")
		}
		out = append(out, snap)
	}
	return out, nil
}

// ringMessage is one buffered outgoing message.
type ringMessage struct {
	messageID int64
	sentAt    time.Time
	payload   []byte
}

// Config bounds a producer's ring capacity and barrier cadence.
type Config struct {
	RingCapacityBytes int64
	BarrierInterval   time.Duration
	Reliability       Reliability
}

func (c Config) withDefaults() Config {
	if c.RingCapacityBytes <= 0 {
		c.RingCapacityBytes = 64 * 1024 * 1024
	}
	if c.BarrierInterval <= 0 {
		c.BarrierInterval = 5 * time.Second
	}
	if c.Reliability == "" {
		c.Reliability = ExactlySame
	}
	return c
}

// Producer is a handle to a running producer-side channel actor.
type Producer struct {
	ref *actorsys.Ref
}

// NewProducer starts a producer actor for channel, sending to dst via
// transport, checkpointing barriers to store.
func NewProducer(system *actorsys.System, address actorsys.Address, channel id.ChannelID, self, dst id.ActorID, transport Transport, store BarrierStore, cfg Config) *Producer {
	if store == nil {
		store = NopBarrierStore{}
	}
	impl := &producerActor{
		channel:         channel,
		self:            self,
		dst:             dst,
		transport:       transport,
		store:           store,
		cfg:             cfg.withDefaults(),
		barrierCoverage: make(map[int64]int64),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Producer{ref: ref}
}

// Send enqueues payload as the next data message, blocking while the
// ring is at capacity until the consumer's last acknowledged barrier
// frees room (spec.md §4.12's "writes block... until the consumer
// acks").
func (p *Producer) Send(payload []byte) error {
	reply := make(chan error, 1)
	p.ref.System().Tell(p.ref, sendMsg{payload: payload, reply: reply})
	return <-reply
}

// Barrier broadcasts a new barrier with a monotonically increasing id
// and returns it.
func (p *Producer) Barrier() int64 {
	reply := make(chan int64, 1)
	p.ref.System().Tell(p.ref, emitBarrierMsg{reply: reply})
	return <-reply
}

// HandleInbound delivers an envelope received from the consumer (a
// PullRequest, CheckStatus, Resubscribe, or GetLastMessageId) to the
// producer actor.
func (p *Producer) HandleInbound(env Envelope) {
	p.ref.System().Tell(p.ref, inboundMsg{env: env})
}

type (
	sendMsg struct {
		payload []byte
		reply   chan error
	}
	emitBarrierMsg struct {
		reply chan int64
	}
	inboundMsg struct{ env Envelope }
	sendBlockedMsg struct {
		payload []byte
		reply   chan error
	}
)

type producerActor struct {
	channel   id.ChannelID
	self      id.ActorID
	dst       id.ActorID
	transport Transport
	store     BarrierStore
	cfg       Config

	ring            []ringMessage
	ringBytes       int64
	nextMessageID   int64
	lastCommittedID int64
	lastBarrierID   int64
	// barrierCoverage maps an emitted barrier id to the last message id it
	// covers, so onBarrierAck can translate a consumer's barrier
	// acknowledgement (which names a barrier, not a message) into the
	// message-id threshold compact needs.
	barrierCoverage map[int64]int64

	blocked []sendBlockedMsg
}

func (a *producerActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		return nil
	case sendMsg:
		a.send(m.payload, m.reply)
	case sendBlockedMsg:
		a.send(m.payload, m.reply)
	case emitBarrierMsg:
		m.reply <- a.emitBarrier()
	case inboundMsg:
		a.handleInbound(m.env)
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *producerActor) send(payload []byte, reply chan error) {
	if a.ringBytes+int64(len(payload)) > a.cfg.RingCapacityBytes {
		a.blocked = append(a.blocked, sendBlockedMsg{payload: payload, reply: reply})
		return
	}
	msgID := a.nextMessageID
	a.nextMessageID++
	msg := ringMessage{messageID: msgID, sentAt: time.Now(), payload: payload}
	a.ring = append(a.ring, msg)
	a.ringBytes += int64(len(payload))

	err := a.transport.Send(a.dst, Envelope{
		Kind:      Data,
		SrcActor:  a.self,
		DstActor:  a.dst,
		ChannelID: a.channel,
		MessageID: msgID,
		Payload:   payload,
		SentAt:    msg.sentAt,
	})
	reply <- err
}

func (a *producerActor) emitBarrier() int64 {
	barrierID := a.lastBarrierID + 1
	a.lastBarrierID = barrierID

	first := a.lastCommittedID
	last := a.nextMessageID - 1

	_ = a.transport.Send(a.dst, Envelope{
		Kind:      Barrier,
		SrcActor:  a.self,
		DstActor:  a.dst,
		ChannelID: a.channel,
		BarrierID: barrierID,
	})

	_ = a.store.SaveBarrier(a.channel, BarrierSnapshot{
		BarrierID:             barrierID,
		FirstMessageIDCovered: first,
		LastMessageIDCovered:  last,
	})
	a.barrierCoverage[barrierID] = last
	return barrierID
}

// handleInbound processes consumer-originated control messages: a
// Notification acks a barrier (clearing data below it and freeing ring
// capacity for blocked sends), a PullRequest replays from a message id.
func (a *producerActor) handleInbound(env Envelope) {
	switch env.Kind {
	case Notification:
		a.onBarrierAck(env.BarrierID)
	case PullRequest:
		a.onPullRequest(env.FromMessageID)
	case GetLastMessageID:
		_ = a.transport.Send(env.SrcActor, Envelope{
			Kind:      PullData,
			SrcActor:  a.self,
			DstActor:  env.SrcActor,
			ChannelID: a.channel,
			MessageID: a.nextMessageID - 1,
		})
	case CheckStatus:
		a.onPullRequest(a.lastCommittedID)
	case Resubscribe:
		a.onPullRequest(env.FromMessageID)
	}
}

func (a *producerActor) onBarrierAck(barrierID int64) {
	covered, ok := a.barrierCoverage[barrierID]
	if !ok || covered <= a.lastCommittedID {
		return
	}
	a.lastCommittedID = covered
	for acked := range a.barrierCoverage {
		if acked <= barrierID {
			delete(a.barrierCoverage, acked)
		}
	}
	a.compact()
	a.unblock()
}

// compact drops ring entries older than lastCommittedID, per spec.md
// §4.12's "producer then clears data older than the checkpointed id."
func (a *producerActor) compact() {
	kept := a.ring[:0]
	var keptBytes int64
	for _, m := range a.ring {
		if m.messageID >= a.lastCommittedID {
			kept = append(kept, m)
			keptBytes += int64(len(m.payload))
		}
	}
	a.ring = kept
	a.ringBytes = keptBytes
}

func (a *producerActor) unblock() {
	pending := a.blocked
	a.blocked = nil
	for _, b := range pending {
		a.send(b.payload, b.reply)
	}
}

// onPullRequest replies with every ring entry at or after fromMessageID,
// split into PullData envelopes in order, per spec.md §4.12's "replies
// are sent in order and may be split into multiple PullData."
func (a *producerActor) onPullRequest(fromMessageID int64) {
	for _, m := range a.ring {
		if m.messageID < fromMessageID {
			continue
		}
		_ = a.transport.Send(a.dst, Envelope{
			Kind:      PullData,
			SrcActor:  a.self,
			DstActor:  a.dst,
			ChannelID: a.channel,
			MessageID: m.messageID,
			Payload:   m.payload,
			SentAt:    m.sentAt,
		})
	}
}

// Consumer is a handle to a running consumer-side channel actor.
type Consumer struct {
	ref *actorsys.Ref
}

// Delivery is one in-order message handed to the consumer's callback.
type Delivery struct {
	MessageID int64
	Payload   []byte
}

// NewConsumer starts a consumer actor for channel, delivering received
// data messages to onData in message-id order and each received barrier
// id to onBarrier. The consumer does not ack barriers itself: the caller
// acks through AckBarrier once the barrier has arrived on every inbound
// channel it tracks (spec.md §4.12's "upon receiving a barrier on all
// inbound channels with the same id").
func NewConsumer(system *actorsys.System, address actorsys.Address, channel id.ChannelID, self, producer id.ActorID, transport Transport, onData func(Delivery), onBarrier func(barrierID int64)) *Consumer {
	impl := &consumerActor{
		channel:   channel,
		self:      self,
		producer:  producer,
		transport: transport,
		onData:    onData,
		onBarrier: onBarrier,
		nextWant:  0,
	}
	ref, _ := system.ActorOf(address, impl)
	return &Consumer{ref: ref}
}

// HandleInbound delivers an envelope received from the producer (Data,
// Barrier, Empty, or PullData) to the consumer actor.
func (c *Consumer) HandleInbound(env Envelope) {
	c.ref.System().Tell(c.ref, inboundMsg{env: env})
}

// AckBarrier sends a Notification acking barrierID back to the
// producer, letting it compact its ring.
func (c *Consumer) AckBarrier(barrierID int64) {
	c.ref.System().Tell(c.ref, ackBarrierMsg{barrierID: barrierID})
}

// Resubscribe asks the producer to replay from fromMessageID, used
// after a consumer restart to resume a checkpointed stream.
func (c *Consumer) Resubscribe(fromMessageID int64) {
	c.ref.System().Tell(c.ref, resubscribeMsg{fromMessageID: fromMessageID})
}

type ackBarrierMsg struct{ barrierID int64 }
type resubscribeMsg struct{ fromMessageID int64 }

type consumerActor struct {
	channel   id.ChannelID
	self      id.ActorID
	producer  id.ActorID
	transport Transport
	onData    func(Delivery)
	onBarrier func(barrierID int64)

	nextWant int64
	// outOfOrder holds data messages received before nextWant catches up
	// to them; EXACTLY_SAME requires strict in-order delivery to the
	// caller even if the transport itself reorders PullData batches.
	outOfOrder map[int64][]byte
}

func (a *consumerActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.outOfOrder = make(map[int64][]byte)
	case inboundMsg:
		a.handleInbound(m.env)
	case ackBarrierMsg:
		_ = a.transport.Send(a.producer, Envelope{
			Kind:      Notification,
			SrcActor:  a.self,
			DstActor:  a.producer,
			ChannelID: a.channel,
			BarrierID: m.barrierID,
		})
	case resubscribeMsg:
		_ = a.transport.Send(a.producer, Envelope{
			Kind:          Resubscribe,
			SrcActor:      a.self,
			DstActor:      a.producer,
			ChannelID:     a.channel,
			FromMessageID: m.fromMessageID,
		})
		a.nextWant = m.fromMessageID
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *consumerActor) handleInbound(env Envelope) {
	switch env.Kind {
	case Data, PullData:
		a.deliver(env.MessageID, env.Payload)
	case Barrier:
		if a.onBarrier != nil {
			a.onBarrier(env.BarrierID)
		}
	case Empty:
		// heartbeat only; nothing to deliver.
	}
}

func (a *consumerActor) deliver(messageID int64, payload []byte) {
	if messageID < a.nextWant {
		return // already delivered; tolerate AT_LEAST_ONCE duplicate resend
	}
	a.outOfOrder[messageID] = payload
	for {
		payload, ok := a.outOfOrder[a.nextWant]
		if !ok {
			return
		}
		delete(a.outOfOrder, a.nextWant)
		if a.onData != nil {
			a.onData(Delivery{MessageID: a.nextWant, Payload: payload})
		}
		a.nextWant++
	}
}

// CloseAll aggregates teardown errors from closing several channel
// handles' underlying transports, mirroring the thread-pool close-error
// aggregation used elsewhere in driftcore.
func CloseAll(closers ...func() error) error {
	var merr *multierror.Error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
