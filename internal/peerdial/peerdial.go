// Package peerdial resolves node ids to websocket addresses and opens
// the outbound connections internal/objectmanager and internal/control
// need, the way internal/objectmanager.Dialer and internal/control.Dialer
// are documented to but, before this package, had no concrete
// implementation outside of tests.
package peerdial

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/driftrun/driftcore/internal/control"
	"github.com/driftrun/driftcore/internal/objectmanager"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/ws"
)

// Registry maps node ids to "host:port" addresses. Entries change only
// through Set and Remove; nothing in this tree fills it from the node
// rows driftcore-gcs tracks in internal/gcs. A thin bootstrap's node discovery beyond this static
// map (e.g. a gossip protocol) is out of scope per spec.md §1.
type Registry struct {
	mu    sync.RWMutex
	addrs map[id.NodeID]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{addrs: make(map[id.NodeID]string)}
}

// Set records or updates node's dial address.
func (r *Registry) Set(node id.NodeID, hostPort string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[node] = hostPort
}

// Remove drops node, e.g. once the scheduler reports it dead.
func (r *Registry) Remove(node id.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addrs, node)
}

func (r *Registry) dial(node id.NodeID, path string) (*websocket.Conn, error) {
	r.mu.RLock()
	hostPort, ok := r.addrs[node]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("peerdial: no known address for node %s", node)
	}
	u := url.URL{Scheme: "ws", Host: hostPort, Path: path}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("peerdial: dialing %s: %w", u.String(), err)
	}
	return conn, nil
}

// ObjectDialer implements objectmanager.Dialer against a shared Registry.
type ObjectDialer struct {
	Registry *Registry
}

// Dial opens an object-transfer connection to node.
func (d ObjectDialer) Dial(node id.NodeID) (*ws.Websocket[objectmanager.WireMessage, objectmanager.WireMessage], error) {
	conn, err := d.Registry.dial(node, "/objects")
	if err != nil {
		return nil, err
	}
	return ws.Wrap[objectmanager.WireMessage, objectmanager.WireMessage]("objectmanager-dial", conn), nil
}

// ControlDialer implements control.Dialer against a shared Registry.
type ControlDialer struct {
	Registry *Registry
}

// Dial opens a control-plane connection to node.
func (d ControlDialer) Dial(node id.NodeID) (*ws.Websocket[control.Message, control.Message], error) {
	conn, err := d.Registry.dial(node, "/control")
	if err != nil {
		return nil, err
	}
	return ws.Wrap[control.Message, control.Message]("control-dial", conn), nil
}
