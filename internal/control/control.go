// Package control is the node-to-control-plane RPC surface cmd/driftcore-gcs
// uses to reach a specific cmd/driftcore-node process: worker
// spawn/dispatch for internal/actormgr, and bundle prepare/commit/return
// plus virtual-resource install/remove for internal/placement. It is
// ambient wiring, not a numbered spec component, built the same way
// internal/objectmanager carries object transfer: a single typed
// envelope over pkg/ws, a lazily-dialed connection pool, and a
// serve-loop that dispatches incoming messages by Kind.
package control

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/driftrun/driftcore/internal/actormgr"
	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/internal/submitter"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
	"github.com/driftrun/driftcore/pkg/ws"
)

// Kind tags the variant of a Message.
type Kind string

const (
	SpawnWorker       Kind = "SPAWN_WORKER"
	SpawnWorkerAck    Kind = "SPAWN_WORKER_ACK"
	DispatchTask      Kind = "DISPATCH_TASK"
	DispatchTaskAck   Kind = "DISPATCH_TASK_ACK"
	PrepareBundle     Kind = "PREPARE_BUNDLE"
	PrepareBundleAck  Kind = "PREPARE_BUNDLE_ACK"
	CommitBundle      Kind = "COMMIT_BUNDLE"
	CommitBundleAck   Kind = "COMMIT_BUNDLE_ACK"
	ReturnBundle      Kind = "RETURN_BUNDLE"
	ReturnBundleAck   Kind = "RETURN_BUNDLE_ACK"
	InstallVirtual    Kind = "INSTALL_VIRTUAL"
	InstallVirtualAck Kind = "INSTALL_VIRTUAL_ACK"
	RemoveVirtual     Kind = "REMOVE_VIRTUAL"
	RemoveVirtualAck  Kind = "REMOVE_VIRTUAL_ACK"
	SubmitCall        Kind = "SUBMIT_CALL"
	SubmitCallAck     Kind = "SUBMIT_CALL_ACK"
)

// Message is the single envelope type every control-plane connection
// exchanges, following objectmanager.WireMessage's "one struct, tagged
// by Kind" convention rather than per-message framing.
type Message struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"request_id"`

	ActorID      id.ActorID `json:"actor_id,omitempty"`
	WorkerID     id.WorkerID `json:"worker_id,omitempty"`
	WasRestarted bool        `json:"was_restarted,omitempty"`

	TaskID     id.TaskID `json:"task_id,omitempty"`
	Idempotent bool      `json:"idempotent,omitempty"`

	PlacementGroup id.PlacementGroupID `json:"placement_group,omitempty"`
	BundleIndex    int                 `json:"bundle_index,omitempty"`
	Resources      resource.Set        `json:"resources,omitempty"`

	Address id.Address `json:"address,omitempty"`
	Error   string     `json:"error,omitempty"`

	// Dependencies/Group/MaxRetries/SequenceNumber/ProcessedUpTo carry a
	// SubmitCall's submitter.Call payload plus its per-callee sequencing,
	// mirroring submitter.Transport.Send's parameters one for one.
	Dependencies   []id.ObjectID `json:"dependencies,omitempty"`
	Group          string        `json:"group,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
	SequenceNumber uint64        `json:"sequence_number,omitempty"`
	ProcessedUpTo  uint64        `json:"processed_up_to,omitempty"`
}

// WorkerHost is what a node process exposes for the control plane to
// drive: spawning an in-process worker actor for an actor id, and
// dispatching a task to one already spawned. The real implementation
// wraps internal/worker; spec.md's "node bootstrap/process spawning...
// beyond a thin cmd/ bootstrap" non-goal means this models a worker as
// an in-process actor rather than an OS process.
type WorkerHost interface {
	SpawnWorker(actorID id.ActorID, wasRestarted bool) (id.WorkerID, error)
	DispatchTask(workerID id.WorkerID, taskID id.TaskID, idempotent bool) error
}

// ResourceLedger is what a node process exposes for the control plane's
// placement-group prepare/commit/return and virtual-resource
// install/remove calls to act on.
type ResourceLedger interface {
	Prepare(pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error
	Commit(pg id.PlacementGroupID, bundleIndex int) error
	Return(pg id.PlacementGroupID, bundleIndex int) error
	InstallVirtual(pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error
	RemoveVirtual(pg id.PlacementGroupID, bundleIndex int) error
}

// CallReceiver is a node's taskqueue entry point, accepting a submitter
// Call's fields plus its per-callee sequence number and cumulative
// processed-up-to watermark.
type CallReceiver interface {
	Submit(callee id.Address, taskID id.TaskID, dependencies []id.ObjectID, group string, maxRetries int, sequenceNumber, processedUpTo uint64) error
}

// Server accepts control-plane connections from the GCS process and
// dispatches requests to a node's WorkerHost/ResourceLedger/CallReceiver.
type Server struct {
	nodeID id.NodeID
	hosts  WorkerHost
	ledger ResourceLedger
	calls  CallReceiver
}

// NewServer returns a Server for nodeID backed by hosts/ledger/calls.
func NewServer(nodeID id.NodeID, hosts WorkerHost, ledger ResourceLedger, calls CallReceiver) *Server {
	return &Server{nodeID: nodeID, hosts: hosts, ledger: ledger, calls: calls}
}

// ServeHTTP upgrades an incoming connection from the control plane and
// runs its message loop until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("control: upgrade failed")
		return
	}
	socket := ws.Wrap[Message, Message]("control-peer", conn)
	for {
		select {
		case msg, ok := <-socket.Inbox:
			if !ok {
				return
			}
			socket.Outbox <- s.handle(msg)
		case <-socket.Done:
			return
		}
	}
}

func (s *Server) handle(msg Message) Message {
	reply := Message{RequestID: msg.RequestID}
	switch msg.Kind {
	case SpawnWorker:
		reply.Kind = SpawnWorkerAck
		workerID, err := s.hosts.SpawnWorker(msg.ActorID, msg.WasRestarted)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.Address = id.Address{NodeID: s.nodeID, WorkerID: workerID}
	case DispatchTask:
		reply.Kind = DispatchTaskAck
		if err := s.hosts.DispatchTask(msg.Address.WorkerID, msg.TaskID, msg.Idempotent); err != nil {
			reply.Error = err.Error()
		}
	case PrepareBundle:
		reply.Kind = PrepareBundleAck
		if err := s.ledger.Prepare(msg.PlacementGroup, msg.BundleIndex, msg.Resources); err != nil {
			reply.Error = err.Error()
		}
	case CommitBundle:
		reply.Kind = CommitBundleAck
		if err := s.ledger.Commit(msg.PlacementGroup, msg.BundleIndex); err != nil {
			reply.Error = err.Error()
		}
	case ReturnBundle:
		reply.Kind = ReturnBundleAck
		if err := s.ledger.Return(msg.PlacementGroup, msg.BundleIndex); err != nil {
			reply.Error = err.Error()
		}
	case InstallVirtual:
		reply.Kind = InstallVirtualAck
		if err := s.ledger.InstallVirtual(msg.PlacementGroup, msg.BundleIndex, msg.Resources); err != nil {
			reply.Error = err.Error()
		}
	case RemoveVirtual:
		reply.Kind = RemoveVirtualAck
		if err := s.ledger.RemoveVirtual(msg.PlacementGroup, msg.BundleIndex); err != nil {
			reply.Error = err.Error()
		}
	case SubmitCall:
		reply.Kind = SubmitCallAck
		err := s.calls.Submit(msg.Address, msg.TaskID, msg.Dependencies, msg.Group, msg.MaxRetries,
			msg.SequenceNumber, msg.ProcessedUpTo)
		if err != nil {
			reply.Error = err.Error()
		}
	default:
		reply.Error = fmt.Sprintf("control: unexpected message kind %s", msg.Kind)
	}
	return reply
}

// Dialer opens an outbound control-plane connection to a node.
type Dialer interface {
	Dial(node id.NodeID) (*ws.Websocket[Message, Message], error)
}

// Client is the GCS-side handle used to drive every node's WorkerHost
// and ResourceLedger; it implements actormgr.Spawner, actormgr.Dispatcher,
// placement.NodeClient, and placement.VirtualResourceInstaller.
type Client struct {
	dialer  Dialer
	timeout time.Duration

	mu      sync.Mutex
	conns   map[id.NodeID]*ws.Websocket[Message, Message]
	pending map[string]chan Message
}

// NewClient returns a Client dialing through dialer, waiting up to
// timeout for each call's reply.
func NewClient(dialer Dialer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		dialer:  dialer,
		timeout: timeout,
		conns:   make(map[id.NodeID]*ws.Websocket[Message, Message]),
		pending: make(map[string]chan Message),
	}
}

func (c *Client) connFor(node id.NodeID) (*ws.Websocket[Message, Message], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[node]; ok && conn.Error() == nil {
		return conn, nil
	}
	conn, err := c.dialer.Dial(node)
	if err != nil {
		return nil, fmt.Errorf("dialing node %s: %w", node, err)
	}
	c.conns[node] = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *ws.Websocket[Message, Message]) {
	for {
		select {
		case msg, ok := <-conn.Inbox:
			if !ok {
				return
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			delete(c.pending, msg.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case <-conn.Done:
			return
		}
	}
}

func (c *Client) call(node id.NodeID, req Message) (Message, error) {
	conn, err := c.connFor(node)
	if err != nil {
		return Message{}, errkind.New(errkind.Transient, "control: %s", err)
	}

	req.RequestID = uuid.NewString()
	replyCh := make(chan Message, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = replyCh
	c.mu.Unlock()

	conn.Outbox <- req

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return reply, errkind.New(errkind.Transient, "control: %s", reply.Error)
		}
		return reply, nil
	case <-time.After(c.timeout):
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return Message{}, errkind.New(errkind.Transient, "control: call to node %s timed out", node)
	}
}

// SpawnWorker implements actormgr.Spawner.
func (c *Client) SpawnWorker(node id.NodeID, actorID id.ActorID, wasRestarted bool) (id.Address, error) {
	reply, err := c.call(node, Message{Kind: SpawnWorker, ActorID: actorID, WasRestarted: wasRestarted})
	if err != nil {
		return id.Address{}, err
	}
	return reply.Address, nil
}

// Dispatch implements actormgr.Dispatcher.
func (c *Client) Dispatch(address id.Address, task actormgr.Task) error {
	_, err := c.call(address.NodeID, Message{Kind: DispatchTask, Address: address, TaskID: task.ID, Idempotent: task.Idempotent})
	return err
}

// PrepareBundleResources implements placement.NodeClient.
func (c *Client) PrepareBundleResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error {
	_, err := c.call(node, Message{Kind: PrepareBundle, PlacementGroup: pg, BundleIndex: bundleIndex, Resources: resources})
	return err
}

// CommitBundleResources implements placement.NodeClient.
func (c *Client) CommitBundleResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int) error {
	_, err := c.call(node, Message{Kind: CommitBundle, PlacementGroup: pg, BundleIndex: bundleIndex})
	return err
}

// ReturnBundleResources implements placement.NodeClient.
func (c *Client) ReturnBundleResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int) error {
	_, err := c.call(node, Message{Kind: ReturnBundle, PlacementGroup: pg, BundleIndex: bundleIndex})
	return err
}

// InstallVirtualResources implements placement.VirtualResourceInstaller.
func (c *Client) InstallVirtualResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error {
	_, err := c.call(node, Message{Kind: InstallVirtual, PlacementGroup: pg, BundleIndex: bundleIndex, Resources: resources})
	return err
}

// RemoveVirtualResources implements placement.VirtualResourceInstaller.
func (c *Client) RemoveVirtualResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int) error {
	_, err := c.call(node, Message{Kind: RemoveVirtual, PlacementGroup: pg, BundleIndex: bundleIndex})
	return err
}

// Send implements submitter.Transport, delivering call to its callee
// node's taskqueue.
func (c *Client) Send(call submitter.Call, sequenceNumber, processedUpTo uint64) error {
	_, err := c.call(call.Callee.NodeID, Message{
		Kind:           SubmitCall,
		Address:        call.Callee,
		TaskID:         call.TaskID,
		Dependencies:   call.Dependencies,
		Group:          call.Group,
		MaxRetries:     call.MaxRetries,
		SequenceNumber: sequenceNumber,
		ProcessedUpTo:  processedUpTo,
	})
	return err
}

// Ledger is a plain mutex-guarded ResourceLedger: unlike the scheduler
// or placement manager, a node's own bundle bookkeeping is a linear
// deduct/restore counter with no asynchronous coordination to serialize
// through an actor's mailbox, so a sync.Mutex is the simpler and
// sufficient primitive here.
type Ledger struct {
	mu        sync.Mutex
	available resource.Set
	prepared  map[bundleKey]resource.Set
	virtual   map[bundleKey]resource.Set
}

type bundleKey struct {
	pg    id.PlacementGroupID
	index int
}

// NewLedger returns a Ledger starting with available as the node's
// unreserved capacity.
func NewLedger(available resource.Set) *Ledger {
	return &Ledger{
		available: available.Clone(),
		prepared:  make(map[bundleKey]resource.Set),
		virtual:   make(map[bundleKey]resource.Set),
	}
}

func (l *Ledger) Prepare(pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.available.GTE(resources) {
		return errkind.New(errkind.ResourceUnavailable, "insufficient resources for bundle %d of %s", bundleIndex, pg)
	}
	l.available = l.available.Sub(resources)
	l.prepared[bundleKey{pg, bundleIndex}] = resources
	return nil
}

func (l *Ledger) Commit(id.PlacementGroupID, int) error { return nil }

// Return gives back whatever Prepare deducted for this bundle and
// withdraws any virtual allocation InstallVirtual added on top of it.
func (l *Ledger) Return(pg id.PlacementGroupID, bundleIndex int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := bundleKey{pg, bundleIndex}
	if p, ok := l.prepared[key]; ok {
		l.available = l.available.Add(p)
		delete(l.prepared, key)
	}
	if v, ok := l.virtual[key]; ok {
		l.available = l.available.Sub(v)
		delete(l.virtual, key)
	}
	return nil
}

func (l *Ledger) InstallVirtual(pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.virtual[bundleKey{pg, bundleIndex}] = resources
	l.available = l.available.Add(resources)
	return nil
}

func (l *Ledger) RemoveVirtual(pg id.PlacementGroupID, bundleIndex int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := bundleKey{pg, bundleIndex}
	if v, ok := l.virtual[key]; ok {
		l.available = l.available.Sub(v)
		delete(l.virtual, key)
	}
	return nil
}
