// Package clusterscheduler implements C12 of spec.md §4.8: single and
// gang (bundle) placement of resource requests onto cluster nodes, with
// a pluggable node scorer and the Hybrid/Random/Spread/NodeAffinity and
// Bundle* policy family.
package clusterscheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/driftrun/driftcore/internal/errkind"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

// NodeResources is the scheduler's view of one node's capacity.
type NodeResources struct {
	NodeID        id.NodeID
	Total         resource.Set
	Available     resource.Set
	Labels        []resource.Label
	IsDraining    bool
	DrainDeadline time.Time
}

// feasible reports whether the node could ever host req, regardless of
// current availability.
func (n NodeResources) feasible(req resource.Set) bool {
	return n.Total.GTE(req)
}

// available reports whether the node can host req right now.
func (n NodeResources) available(req resource.Set, now time.Time) bool {
	if n.IsDraining && (n.DrainDeadline.IsZero() || now.After(n.DrainDeadline)) {
		return false
	}
	return n.Available.GTE(req)
}

func (n NodeResources) hasLabel(l resource.Label) bool {
	for _, have := range n.Labels {
		if have == l {
			return true
		}
	}
	return false
}

// Scorer returns a non-negative affinity score for placing req on node;
// the highest-scored feasible node wins ties broken by node id order.
type Scorer func(node NodeResources, req resource.Set) float64

// BestFit favors the most-utilized feasible node (pack workloads
// tightly), generalizing fitting_methods.go's BestFit from a scalar slot
// count to an arbitrary resource.Set by scoring on the dominant
// resource's remaining headroom.
func BestFit(node NodeResources, req resource.Set) float64 {
	headroom := dominantHeadroom(node, req)
	return 1.0 / (1.0 + headroom)
}

// WorstFit favors the least-utilized feasible node (spread workloads),
// generalizing fitting_methods.go's WorstFit the same way.
func WorstFit(node NodeResources, req resource.Set) float64 {
	total := dominantTotal(node, req)
	if total == 0 {
		return 0
	}
	return dominantHeadroom(node, req) / total
}

func dominantHeadroom(node NodeResources, req resource.Set) float64 {
	best := int64(0)
	for _, rid := range req.IDs() {
		if ticks := node.Available.Get(rid).Ticks(); ticks > best {
			best = ticks
		}
	}
	return float64(best)
}

func dominantTotal(node NodeResources, req resource.Set) float64 {
	best := int64(0)
	for _, rid := range req.IDs() {
		if ticks := node.Total.Get(rid).Ticks(); ticks > best {
			best = ticks
		}
	}
	return float64(best)
}

// Policy selects the placement algorithm.
type Policy string

const (
	Hybrid              Policy = "HYBRID"
	Random              Policy = "RANDOM"
	Spread              Policy = "SPREAD"
	NodeAffinity        Policy = "NODE_AFFINITY"
	BundlePack          Policy = "BUNDLE_PACK"
	BundleSpread        Policy = "BUNDLE_SPREAD"
	BundleStrictPack    Policy = "BUNDLE_STRICT_PACK"
	BundleStrictSpread  Policy = "BUNDLE_STRICT_SPREAD"
	AffinityWithBundle  Policy = "AFFINITY_WITH_BUNDLE"
)

// Options configures one scheduling call.
type Options struct {
	Policy Policy
	Scorer Scorer

	// PreferredNodeID biases Hybrid toward this node before falling back
	// to node score.
	PreferredNodeID id.NodeID

	// AffinityLabel names the label NodeAffinity/AffinityWithBundle
	// constrain candidates by.
	AffinityLabel resource.Label
	// HardAffinity: if true, nodes without AffinityLabel are infeasible
	// rather than merely lower-scored.
	HardAffinity bool

	// AffinityBundleGroupID: for AffinityWithBundle, the placement group
	// the request is co-located with. The scheduler does not read it;
	// candidate nodes come from AffinityLabel alone.
	AffinityBundleGroupID id.PlacementGroupID
	// ExcludeGPUNodesForNonGPU: AffinityWithBundle's optional rule to
	// avoid GPU-equipped nodes for bundles that don't request a GPU.
	ExcludeGPUNodesForNonGPU bool
}

func (o Options) scorer() Scorer {
	if o.Scorer != nil {
		return o.Scorer
	}
	return BestFit
}

// Request is a single resource ask.
type Request struct {
	ID        string
	Resources resource.Set
}

// SchedulingResult is the outcome of a gang (bundle) Schedule call.
type SchedulingResult struct {
	// Assignment maps each request's ID to the node it was placed on.
	Assignment map[string]id.NodeID
	// Infeasible lists request ids that can never be satisfied by any
	// node's total capacity.
	Infeasible []string
	// Unavailable lists request ids that are feasible somewhere but no
	// node currently has room; callers should retry per spec.md's
	// FAILED-and-retry rule.
	Unavailable []string
}

func (r SchedulingResult) OK() bool {
	return len(r.Infeasible) == 0 && len(r.Unavailable) == 0
}

// Scheduler is a handle to a running cluster scheduler actor; all node
// resource state is mutated only on the scheduler's own goroutine, per
// spec.md §5's single-owning-thread rule.
type Scheduler struct {
	ref *actorsys.Ref
}

// New starts a scheduler actor under system at address.
func New(system *actorsys.System, address actorsys.Address) *Scheduler {
	impl := &schedulerActor{nodes: make(map[id.NodeID]*NodeResources)}
	ref, _ := system.ActorOf(address, impl)
	return &Scheduler{ref: ref}
}

type (
	registerNodeMsg struct{ node NodeResources }
	removeNodeMsg    struct{ id id.NodeID }
	scheduleOneMsg   struct {
		req   Request
		opts  Options
		reply chan scheduleOneReply
	}
	scheduleGangMsg struct {
		reqs  []Request
		opts  Options
		reply chan SchedulingResult
	}
)

type scheduleOneReply struct {
	node id.NodeID
	err  error
}

// RegisterNode adds or updates a node's resource state.
func (s *Scheduler) RegisterNode(node NodeResources) {
	s.ref.System().Tell(s.ref, registerNodeMsg{node: node})
}

// RemoveNode drops a node, e.g. after it is detected dead.
func (s *Scheduler) RemoveNode(nodeID id.NodeID) {
	s.ref.System().Tell(s.ref, removeNodeMsg{id: nodeID})
}

// Schedule places a single request, returning the chosen node or an
// *errkind.Error of kind RESOURCE_INFEASIBLE / RESOURCE_UNAVAILABLE.
func (s *Scheduler) Schedule(req Request, opts Options) (id.NodeID, error) {
	reply := make(chan scheduleOneReply, 1)
	s.ref.System().Tell(s.ref, scheduleOneMsg{req: req, opts: opts, reply: reply})
	r := <-reply
	return r.node, r.err
}

// ScheduleGang places a set of bundle requests atomically from the
// scheduler's point of view (it does not deduct resources — that is the
// placement group manager's Commit step (C13); this only proposes an
// assignment).
func (s *Scheduler) ScheduleGang(reqs []Request, opts Options) SchedulingResult {
	reply := make(chan SchedulingResult, 1)
	s.ref.System().Tell(s.ref, scheduleGangMsg{reqs: reqs, opts: opts, reply: reply})
	return <-reply
}

type schedulerActor struct {
	nodes map[id.NodeID]*NodeResources
}

func (a *schedulerActor) Receive(ctx *actorsys.Context) error {
	switch m := ctx.Message().(type) {
	case actorsys.PreStart:
		return nil
	case registerNodeMsg:
		node := m.node
		a.nodes[node.NodeID] = &node
	case removeNodeMsg:
		delete(a.nodes, m.id)
	case scheduleOneMsg:
		node, err := a.scheduleOne(m.req, m.opts)
		m.reply <- scheduleOneReply{node: node, err: err}
	case scheduleGangMsg:
		m.reply <- a.scheduleGang(m.reqs, m.opts)
	default:
		return actorsys.ErrUnexpectedMessage(ctx)
	}
	return nil
}

// sortedNodes returns every node sorted by node id for deterministic
// tie-breaking.
func (a *schedulerActor) sortedNodes() []*NodeResources {
	out := make([]*NodeResources, 0, len(a.nodes))
	for _, n := range a.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID.String() < out[j].NodeID.String() })
	return out
}

func (a *schedulerActor) scheduleOne(req Request, opts Options) (id.NodeID, error) {
	now := time.Now()
	nodes := a.sortedNodes()

	feasibleAny := false
	type scored struct {
		node  *NodeResources
		score float64
	}
	var candidates []scored

	for _, n := range nodes {
		if opts.HardAffinity && opts.AffinityLabel != (resource.Label{}) && !n.hasLabel(opts.AffinityLabel) {
			continue
		}
		if !n.feasible(req.Resources) {
			continue
		}
		feasibleAny = true
		if !n.available(req.Resources, now) {
			continue
		}
		score := a.scoreFor(opts, *n, req.Resources)
		candidates = append(candidates, scored{node: n, score: score})
	}

	if !feasibleAny {
		return id.NodeID{}, errkind.New(errkind.ResourceInfeasible, "no node's total capacity can ever satisfy request %s", req.ID)
	}
	if len(candidates) == 0 {
		return id.NodeID{}, errkind.New(errkind.ResourceUnavailable, "no node currently has capacity for request %s", req.ID)
	}

	if opts.Policy == Random {
		return candidates[rand.Intn(len(candidates))].node.NodeID, nil
	}

	if opts.Policy == Hybrid {
		for _, c := range candidates {
			if c.node.NodeID == opts.PreferredNodeID {
				return c.node.NodeID, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].node.NodeID.String() < candidates[j].node.NodeID.String()
	})
	return candidates[0].node.NodeID, nil
}

func (a *schedulerActor) scoreFor(opts Options, node NodeResources, req resource.Set) float64 {
	score := opts.scorer()(node, req)
	if opts.Policy == Spread {
		// Spread favors idle nodes: invert the packing score so emptier
		// nodes win.
		return 1.0 - score
	}
	if opts.AffinityLabel != (resource.Label{}) && !opts.HardAffinity && node.hasLabel(opts.AffinityLabel) {
		score += 1.0
	}
	return score
}

// scheduleGang implements the bundle-placement families of spec.md
// §4.8. It is a pure proposal: no resources are deducted here, since
// that is the placement-group manager's two-phase commit job (C13).
func (a *schedulerActor) scheduleGang(reqs []Request, opts Options) SchedulingResult {
	switch opts.Policy {
	case BundleStrictPack:
		return a.strictPack(reqs, opts)
	case BundlePack:
		return a.pack(reqs, opts)
	case BundleStrictSpread:
		return a.strictSpread(reqs, opts)
	case BundleSpread:
		return a.spread(reqs, opts)
	case AffinityWithBundle:
		return a.affinityWithBundle(reqs, opts)
	default:
		return a.pack(reqs, opts)
	}
}

// strictPack aggregates every bundle's resources into one sum and places
// all of them on a single node that can host the total.
func (a *schedulerActor) strictPack(reqs []Request, opts Options) SchedulingResult {
	sum := resource.Set{}
	for _, r := range reqs {
		sum = sum.Add(r.Resources)
	}
	node, err := a.scheduleOne(Request{ID: "strict-pack-aggregate", Resources: sum}, opts)
	if err != nil {
		return failAll(reqs, err)
	}
	assignment := make(map[string]id.NodeID, len(reqs))
	for _, r := range reqs {
		assignment[r.ID] = node
	}
	return SchedulingResult{Assignment: assignment}
}

// pack orders bundles largest-first and greedily places each on the
// best-scoring feasible node, simulating the deduction locally (within
// this proposal) so later bundles see earlier ones' placements.
func (a *schedulerActor) pack(reqs []Request, opts Options) SchedulingResult {
	ordered := append([]Request(nil), reqs...)
	sort.Slice(ordered, func(i, j int) bool {
		return dominantSize(ordered[i].Resources) > dominantSize(ordered[j].Resources)
	})

	sim := a.snapshot()
	result := SchedulingResult{Assignment: make(map[string]id.NodeID)}
	for _, r := range ordered {
		node, err := sim.scheduleOne(r, opts)
		if err != nil {
			classifyFailure(&result, r.ID, err)
			continue
		}
		sim.deduct(node, r.Resources)
		result.Assignment[r.ID] = node
	}
	return result
}

// spread greedily places each bundle preferring a node not yet used by
// this group, falling back to reuse once all candidates are used.
func (a *schedulerActor) spread(reqs []Request, opts Options) SchedulingResult {
	sim := a.snapshot()
	used := make(map[id.NodeID]bool)
	result := SchedulingResult{Assignment: make(map[string]id.NodeID)}

	for _, r := range reqs {
		node, err := sim.scheduleOnePreferUnused(r, opts, used)
		if err != nil {
			classifyFailure(&result, r.ID, err)
			continue
		}
		used[node] = true
		sim.deduct(node, r.Resources)
		result.Assignment[r.ID] = node
	}
	return result
}

// strictSpread requires each bundle on a distinct node, excluding every
// node already bound by any bundle placed so far in this call.
func (a *schedulerActor) strictSpread(reqs []Request, opts Options) SchedulingResult {
	sim := a.snapshot()
	excluded := make(map[id.NodeID]bool)
	result := SchedulingResult{Assignment: make(map[string]id.NodeID)}

	for _, r := range reqs {
		node, err := sim.scheduleOneExcluding(r, opts, excluded)
		if err != nil {
			classifyFailure(&result, r.ID, err)
			continue
		}
		excluded[node] = true
		sim.deduct(node, r.Resources)
		result.Assignment[r.ID] = node
	}
	return result
}

// affinityWithBundle constrains candidates to nodes hosting
// opts.AffinityBundleGroupID already, via the caller-supplied label
// convention `CPU_group_<pg_id>` materialized at commit time (C13); this
// scheduler package does not know the group's placement itself, so the
// caller is expected to pass that constraint in as an AffinityLabel with
// HardAffinity set.
func (a *schedulerActor) affinityWithBundle(reqs []Request, opts Options) SchedulingResult {
	constrained := opts
	constrained.HardAffinity = true
	sim := a.snapshot()
	result := SchedulingResult{Assignment: make(map[string]id.NodeID)}
	for _, r := range reqs {
		var node id.NodeID
		var err error
		if opts.ExcludeGPUNodesForNonGPU && r.Resources.Get(resource.GPU).IsZero() {
			node, err = sim.scheduleOneAmong(r, constrained, func(n *NodeResources) bool {
				return n.Total.Get(resource.GPU).IsZero()
			})
		} else {
			node, err = sim.scheduleOne(r, constrained)
		}
		if err != nil {
			classifyFailure(&result, r.ID, err)
			continue
		}
		sim.deduct(node, r.Resources)
		result.Assignment[r.ID] = node
	}
	return result
}

func classifyFailure(result *SchedulingResult, reqID string, err error) {
	if kindErr, ok := errkind.As(err); ok && kindErr.Kind == errkind.ResourceInfeasible {
		result.Infeasible = append(result.Infeasible, reqID)
		return
	}
	result.Unavailable = append(result.Unavailable, reqID)
}

func failAll(reqs []Request, err error) SchedulingResult {
	result := SchedulingResult{}
	for _, r := range reqs {
		classifyFailure(&result, r.ID, err)
	}
	return result
}

func dominantSize(req resource.Set) int64 {
	best := int64(0)
	for _, rid := range req.IDs() {
		if ticks := req.Get(rid).Ticks(); ticks > best {
			best = ticks
		}
	}
	return best
}

// snapshot is a throwaway copy of node state used to simulate deductions
// across a single gang-scheduling proposal without mutating the real
// cluster state (which only changes on placement-group Commit).
type schedulerSnapshot struct {
	nodes map[id.NodeID]*NodeResources
}

func (a *schedulerActor) snapshot() *schedulerSnapshot {
	out := make(map[id.NodeID]*NodeResources, len(a.nodes))
	for nodeID, n := range a.nodes {
		cp := *n
		cp.Available = n.Available.Clone()
		out[nodeID] = &cp
	}
	return &schedulerSnapshot{nodes: out}
}

func (s *schedulerSnapshot) deduct(nodeID id.NodeID, req resource.Set) {
	if n, ok := s.nodes[nodeID]; ok {
		n.Available = n.Available.Sub(req)
	}
}

func (s *schedulerSnapshot) sortedNodes() []*NodeResources {
	out := make([]*NodeResources, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID.String() < out[j].NodeID.String() })
	return out
}

func (s *schedulerSnapshot) scheduleOne(req Request, opts Options) (id.NodeID, error) {
	return (&schedulerActor{nodes: s.nodes}).scheduleOne(req, opts)
}

func (s *schedulerSnapshot) scheduleOnePreferUnused(req Request, opts Options, used map[id.NodeID]bool) (id.NodeID, error) {
	if node, err := s.scheduleOneAmong(req, opts, func(n *NodeResources) bool { return !used[n.NodeID] }); err == nil {
		return node, nil
	}
	return s.scheduleOne(req, opts)
}

func (s *schedulerSnapshot) scheduleOneExcluding(req Request, opts Options, excluded map[id.NodeID]bool) (id.NodeID, error) {
	return s.scheduleOneAmong(req, opts, func(n *NodeResources) bool { return !excluded[n.NodeID] })
}

func (s *schedulerSnapshot) scheduleOneAmong(req Request, opts Options, include func(*NodeResources) bool) (id.NodeID, error) {
	filtered := make(map[id.NodeID]*NodeResources)
	for nodeID, n := range s.nodes {
		if include(n) {
			filtered[nodeID] = n
		}
	}
	if len(filtered) == 0 {
		return id.NodeID{}, errkind.New(errkind.ResourceUnavailable, "no eligible node for request %s", req.ID)
	}
	return (&schedulerActor{nodes: filtered}).scheduleOne(req, opts)
}

func (n NodeResources) String() string {
	return fmt.Sprintf("node %s (available=%s, total=%s)", n.NodeID, n.Available, n.Total)
}
