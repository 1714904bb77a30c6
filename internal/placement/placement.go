// Package placement implements C13 of spec.md §4.9: the placement-group
// manager's two-phase Prepare/Commit protocol across nodes, virtual
// resource materialization, and RESCHEDULING on node death.
package placement

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/driftrun/driftcore/internal/clusterscheduler"
	"github.com/driftrun/driftcore/internal/errgroupx"
	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

// Bundle is one resource ask within a placement group.
type Bundle struct {
	Index     int
	Resources resource.Set
}

// State is a placement group's lifecycle stage.
type State string

const (
	Pending      State = "PENDING"
	Preparing    State = "PREPARING"
	Committed    State = "COMMITTED"
	Rescheduling State = "RESCHEDULING"
	Removed      State = "REMOVED"
)

// BundleStatus tracks one bundle's progress through the two-phase
// protocol.
type BundleStatus string

const (
	BundleUnassigned BundleStatus = "UNASSIGNED"
	BundlePrepared   BundleStatus = "PREPARED"
	BundleCommitted  BundleStatus = "COMMITTED"
)

// NodeClient is the RPC surface the manager drives on each selected
// node; implemented over pkg/ws in a full deployment's node client, the
// same way objectmanager.Dialer decouples pullmanager/pushmanager from
// the transport.
type NodeClient interface {
	PrepareBundleResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error
	CommitBundleResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int) error
	ReturnBundleResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int) error
}

// VirtualResourceInstaller materializes the `CPU_group_<pg_id>` and
// `CPU_group_<bundle_index>_<pg_id>` virtual resources a committed
// bundle exposes to scheduling (spec.md §4.9); left pluggable so this
// package does not need to reach into clusterscheduler's node table
// directly.
type VirtualResourceInstaller interface {
	InstallVirtualResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int, resources resource.Set) error
	RemoveVirtualResources(node id.NodeID, pg id.PlacementGroupID, bundleIndex int) error
}

// GroupResourceID returns the group_<pg_id> virtual resource id (with no
// resource-name prefix) shared by every bundle in the group.
func GroupResourceID(pg id.PlacementGroupID) resource.ID {
	return resource.ID(fmt.Sprintf("group_%s", pg))
}

// BundleResourceID returns the group_<bundle_index>_<pg_id> virtual
// resource id (with no resource-name prefix) unique to one bundle.
func BundleResourceID(pg id.PlacementGroupID, bundleIndex int) resource.ID {
	return resource.ID(fmt.Sprintf("group_%d_%s", bundleIndex, pg))
}

// GangScheduler is the subset of clusterscheduler.Scheduler the manager
// needs: propose an assignment for a set of bundles.
type GangScheduler interface {
	ScheduleGang(reqs []clusterscheduler.Request, opts clusterscheduler.Options) clusterscheduler.SchedulingResult
}

// Config bounds retry behavior for failed prepare rounds.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Policy         clusterscheduler.Policy
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Policy == "" {
		c.Policy = clusterscheduler.BundlePack
	}
	return c
}

// Manager is a handle to a running placement-group manager actor.
type Manager struct {
	ref *actorsys.Ref
}

// New starts a manager actor under system at address.
func New(system *actorsys.System, address actorsys.Address, scheduler GangScheduler, nodes NodeClient, installer VirtualResourceInstaller, cfg Config) *Manager {
	impl := &managerActor{
		scheduler:      scheduler,
		nodes:          nodes,
		installer:      installer,
		cfg:            cfg.withDefaults(),
		groups:         make(map[id.PlacementGroupID]*groupState),
		pendingCreates: make(map[id.PlacementGroupID]chan error),
	}
	ref, _ := system.ActorOf(address, impl)
	return &Manager{ref: ref}
}

// bundleState tracks one bundle's assignment and protocol progress.
type bundleState struct {
	bundle Bundle
	node   id.NodeID
	status BundleStatus
}

type groupState struct {
	id      id.PlacementGroupID
	bundles map[int]*bundleState
	state   State
	backoff time.Duration
}

// CreatePlacementGroup schedules and two-phase-commits bundles, blocking
// until the group reaches COMMITTED or is permanently INFEASIBLE.
func (m *Manager) CreatePlacementGroup(pgID id.PlacementGroupID, bundles []Bundle) error {
	reply := make(chan error, 1)
	m.ref.System().Tell(m.ref, createGroupMsg{id: pgID, bundles: bundles, reply: reply})
	return <-reply
}

// RemovePlacementGroup moves the group to REMOVED and returns every
// bundle's resources; named-group lookups miss afterward.
func (m *Manager) RemovePlacementGroup(pgID id.PlacementGroupID) {
	m.ref.System().Tell(m.ref, removeGroupMsg{id: pgID})
}

// NodeDied notifies the manager that a node is gone so it can mark
// affected committed groups RESCHEDULING and re-run prepare/commit for
// their lost bundles.
func (m *Manager) NodeDied(node id.NodeID) {
	m.ref.System().Tell(m.ref, nodeDiedMsg{node: node})
}

// State returns a group's current lifecycle stage, or Removed if
// unknown.
func (m *Manager) State(pgID id.PlacementGroupID) State {
	reply := make(chan State, 1)
	m.ref.System().Tell(m.ref, stateMsg{id: pgID, reply: reply})
	return <-reply
}

type (
	createGroupMsg struct {
		id      id.PlacementGroupID
		bundles []Bundle
		reply   chan error
	}
	removeGroupMsg struct{ id id.PlacementGroupID }
	nodeDiedMsg    struct{ node id.NodeID }
	stateMsg       struct {
		id    id.PlacementGroupID
		reply chan State
	}
	attemptCompleteMsg struct {
		id       id.PlacementGroupID
		prepared map[int]id.NodeID
		failed   []string
	}
	retryMsg struct{ id id.PlacementGroupID }
)

type managerActor struct {
	scheduler GangScheduler
	nodes     NodeClient
	installer VirtualResourceInstaller
	cfg       Config
	self      *actorsys.Ref

	groups         map[id.PlacementGroupID]*groupState
	pendingCreates map[id.PlacementGroupID]chan error
}

func (a *managerActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		a.self = ctx.Self()
		return nil
	case createGroupMsg:
		a.create(m)
	case removeGroupMsg:
		a.remove(m.id)
	case nodeDiedMsg:
		a.nodeDied(m.node)
	case stateMsg:
		g, ok := a.groups[m.id]
		if !ok {
			m.reply <- Removed
			return nil
		}
		m.reply <- g.state
	case attemptCompleteMsg:
		a.onAttemptComplete(m)
	case retryMsg:
		a.attempt(m.id)
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

func (a *managerActor) create(m createGroupMsg) {
	bundles := make(map[int]*bundleState, len(m.bundles))
	for _, b := range m.bundles {
		bundles[b.Index] = &bundleState{bundle: b, status: BundleUnassigned}
	}
	a.groups[m.id] = &groupState{
		id:      m.id,
		bundles: bundles,
		state:   Pending,
		backoff: a.cfg.InitialBackoff,
	}
	a.pendingCreates[m.id] = m.reply
	a.attempt(m.id)
}

func bundleReqID(idx int) string { return fmt.Sprintf("bundle-%d", idx) }

func (a *managerActor) attempt(pgID id.PlacementGroupID) {
	g, ok := a.groups[pgID]
	if !ok || g.state == Removed {
		return
	}
	g.state = Preparing

	var missing []int
	for idx, b := range g.bundles {
		if b.status != BundleCommitted {
			missing = append(missing, idx)
		}
	}
	if len(missing) == 0 {
		return
	}

	reqs := make([]clusterscheduler.Request, 0, len(missing))
	bundlesCopy := make(map[int]Bundle, len(missing))
	for _, idx := range missing {
		b := g.bundles[idx]
		reqs = append(reqs, clusterscheduler.Request{ID: bundleReqID(idx), Resources: b.bundle.Resources})
		bundlesCopy[idx] = b.bundle
	}

	result := a.scheduler.ScheduleGang(reqs, clusterscheduler.Options{Policy: a.cfg.Policy})
	if len(result.Infeasible) > 0 {
		a.failPermanently(pgID, errkind.New(errkind.ResourceInfeasible, "placement group %s has infeasible bundles: %v", pgID, result.Infeasible))
		return
	}
	if len(result.Unavailable) > 0 {
		a.scheduleRetry(pgID)
		return
	}

	self := a.self
	system := self.System()
	nodes := a.nodes
	assignment := result.Assignment

	go func() {
		prepared, failed := preparePhase(nodes, pgID, bundlesCopy, assignment)
		system.Tell(self, attemptCompleteMsg{id: pgID, prepared: prepared, failed: failed})
	}()
}

// preparePhase fans out PrepareBundleResources to every newly-assigned
// node concurrently via errgroupx, grounded on the same
// cancel-on-first-error fan-out shape the teacher uses for agent RPC
// fan-out; on any node's failure every bundle that did prepare in this
// round is returned by the caller (onAttemptComplete), restoring the
// group to PENDING with backoff, per spec.md §4.9.
func preparePhase(nodes NodeClient, pgID id.PlacementGroupID, bundles map[int]Bundle, assignment map[string]id.NodeID) (map[int]id.NodeID, []string) {
	type outcome struct {
		idx  int
		node id.NodeID
		err  error
	}

	var mu sync.Mutex
	outcomes := make([]outcome, 0, len(bundles))
	record := func(o outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}

	g := errgroupx.WithContext(context.Background())
	for idx, b := range bundles {
		idx, b := idx, b
		node, ok := assignment[bundleReqID(idx)]
		if !ok {
			record(outcome{idx: idx, err: errkind.New(errkind.ResourceUnavailable, "no assignment for bundle %d", idx)})
			continue
		}
		g.Go(func(ctx context.Context) error {
			err := nodes.PrepareBundleResources(node, pgID, idx, b.Resources)
			record(outcome{idx: idx, node: node, err: err})
			return err
		})
	}
	_ = g.Wait() // errors are already captured per-bundle in outcomes

	prepared := make(map[int]id.NodeID)
	var failed []string
	for _, o := range outcomes {
		if o.err != nil {
			failed = append(failed, fmt.Sprintf("bundle-%d: %v", o.idx, o.err))
			continue
		}
		prepared[o.idx] = o.node
	}
	return prepared, failed
}

func (a *managerActor) onAttemptComplete(m attemptCompleteMsg) {
	g, ok := a.groups[m.id]
	if !ok {
		return
	}
	if len(m.failed) > 0 {
		for idx, node := range m.prepared {
			_ = a.nodes.ReturnBundleResources(node, m.id, idx)
		}
		g.state = Pending
		a.scheduleRetry(m.id)
		return
	}

	for idx, node := range m.prepared {
		b := g.bundles[idx]
		b.node = node
		b.status = BundlePrepared
	}
	for idx, node := range m.prepared {
		if err := a.nodes.CommitBundleResources(node, m.id, idx); err != nil {
			continue
		}
		b := g.bundles[idx]
		b.status = BundleCommitted
		if a.installer != nil {
			_ = a.installer.InstallVirtualResources(node, m.id, idx, b.bundle.Resources)
		}
	}

	allCommitted := true
	for _, b := range g.bundles {
		if b.status != BundleCommitted {
			allCommitted = false
			break
		}
	}
	if allCommitted {
		g.state = Committed
		a.resolveCreate(m.id, nil)
		return
	}
	// Some bundles committed, others failed mid-commit; retry the rest.
	a.scheduleRetry(m.id)
}

func (a *managerActor) scheduleRetry(pgID id.PlacementGroupID) {
	g, ok := a.groups[pgID]
	if !ok {
		return
	}
	g.backoff = nextBackoff(g.backoff, a.cfg.MaxBackoff)
	self := a.self
	system := self.System()
	delay := g.backoff
	go func() {
		time.Sleep(delay)
		system.Tell(self, retryMsg{id: pgID})
	}()
}

func (a *managerActor) failPermanently(pgID id.PlacementGroupID, err error) {
	if g, ok := a.groups[pgID]; ok {
		g.state = Removed
	}
	a.resolveCreate(pgID, err)
}

func (a *managerActor) resolveCreate(pgID id.PlacementGroupID, err error) {
	if reply, ok := a.pendingCreates[pgID]; ok {
		reply <- err
		delete(a.pendingCreates, pgID)
	}
}

func (a *managerActor) remove(pgID id.PlacementGroupID) {
	g, ok := a.groups[pgID]
	if !ok {
		return
	}
	for idx, b := range g.bundles {
		if b.status == BundleCommitted || b.status == BundlePrepared {
			_ = a.nodes.ReturnBundleResources(b.node, pgID, idx)
			if a.installer != nil {
				_ = a.installer.RemoveVirtualResources(b.node, pgID, idx)
			}
		}
	}
	g.state = Removed
	delete(a.groups, pgID)
	delete(a.pendingCreates, pgID)
}

// nodeDied marks any group with a committed bundle on node as
// RESCHEDULING, returns that bundle's resources, and re-attempts
// prepare/commit for it.
func (a *managerActor) nodeDied(node id.NodeID) {
	for pgID, g := range a.groups {
		affected := false
		for idx, b := range g.bundles {
			if b.status == BundleCommitted && b.node == node {
				b.status = BundleUnassigned
				b.node = id.NodeID{}
				affected = true
				_ = a.nodes.ReturnBundleResources(node, pgID, idx)
				if a.installer != nil {
					_ = a.installer.RemoveVirtualResources(node, pgID, idx)
				}
			}
		}
		if affected {
			g.state = Rescheduling
			a.attempt(pgID)
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	jitter := time.Duration(rand.Int63n(int64(next/4 + 1)))
	return next + jitter
}
