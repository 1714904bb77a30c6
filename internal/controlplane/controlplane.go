// Package controlplane wires the cluster-wide control process:
// cluster scheduling (C12), placement groups (C13), the actor manager
// (C14), and the GCS tables/pub-sub (C15), driving every node's
// control.Server over internal/control. It is cmd/driftcore-gcs's
// bootstrap layer, symmetric with internal/node's for the data plane.
package controlplane

import (
	"time"

	"github.com/driftrun/driftcore/internal/actormgr"
	"github.com/driftrun/driftcore/internal/clusterscheduler"
	"github.com/driftrun/driftcore/internal/control"
	"github.com/driftrun/driftcore/internal/gcs"
	"github.com/driftrun/driftcore/internal/peerdial"
	"github.com/driftrun/driftcore/internal/placement"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

// ControlPlane owns the cluster-wide actors plus the GCS tables that
// back them.
type ControlPlane struct {
	System *actorsys.System

	Scheduler *clusterscheduler.Scheduler
	Placement *placement.Manager
	Actors    *actormgr.Manager
	Client    *control.Client

	ActorsTable          *gcs.Table[gcs.ActorRow]
	NodesTable           *gcs.Table[gcs.NodeRow]
	PlacementGroupsTable *gcs.Table[gcs.PlacementGroupRow]
	JobsTable            *gcs.Table[gcs.JobRow]
	WorkersTable         *gcs.Table[gcs.WorkerRow]

	ActorCache *gcs.ActorCache
}

// Config bounds retry/backoff/heartbeat behavior across the cluster
// actors this package starts.
type Config struct {
	Backend gcs.Backend

	ActorManager actormgr.Config
	Placement    placement.Config
}

// New wires the control-plane actors under system, dialing nodes
// through registry for both actor-manager spawn/dispatch and
// placement-group resource RPCs.
func New(system *actorsys.System, registry *peerdial.Registry, cfg Config) *ControlPlane {
	if cfg.Backend == nil {
		cfg.Backend = gcs.NopBackend{}
	}

	cp := &ControlPlane{System: system}

	cp.ActorsTable = gcs.NewTable[gcs.ActorRow](system, actorsys.Addr("gcs", "actors"), "actors", cfg.Backend)
	cp.NodesTable = gcs.NewTable[gcs.NodeRow](system, actorsys.Addr("gcs", "nodes"), "nodes", cfg.Backend)
	cp.PlacementGroupsTable = gcs.NewTable[gcs.PlacementGroupRow](system, actorsys.Addr("gcs", "placement_groups"), "placement_groups", cfg.Backend)
	cp.JobsTable = gcs.NewTable[gcs.JobRow](system, actorsys.Addr("gcs", "jobs"), "jobs", cfg.Backend)
	cp.WorkersTable = gcs.NewTable[gcs.WorkerRow](system, actorsys.Addr("gcs", "workers"), "workers", cfg.Backend)

	cp.ActorCache = gcs.NewActorCache(cp.ActorsTable.Subscribe())

	cp.Scheduler = clusterscheduler.New(system, actorsys.Addr("scheduler"))

	cp.Client = control.NewClient(peerdial.ControlDialer{Registry: registry}, 30*time.Second)

	cp.Placement = placement.New(system, actorsys.Addr("placement"), cp.Scheduler, cp.Client, cp.Client, cfg.Placement)

	cp.Actors = actormgr.New(system, actorsys.Addr("actormgr"), nopDependencyWaiter{}, cp.Scheduler, cp.Client, cp.Client, tombstones{cp}, cfg.ActorManager)

	return cp
}

// RegisterNode records a node's capacity with the scheduler and GCS
// node table, the way a node announces itself on startup.
func (cp *ControlPlane) RegisterNode(row gcs.NodeRow, resources clusterscheduler.NodeResources) error {
	if err := cp.NodesTable.Put(row); err != nil {
		return err
	}
	cp.Scheduler.RegisterNode(resources)
	return nil
}

// nopDependencyWaiter mirrors internal/node's: actor-creation
// dependencies (spec.md's creation_dependencies) aren't resolved by a
// live directory lookup in this thin bootstrap, so every actor is
// treated as immediately schedulable.
type nopDependencyWaiter struct{}

func (nopDependencyWaiter) Wait(deps []id.ObjectID, ready func()) (cancel func()) {
	ready()
	return func() {}
}

// tombstones adapts ControlPlane to actormgr.TombstonePublisher by
// recording the dead actor's final state in the GCS actor table.
type tombstones struct{ cp *ControlPlane }

func (t tombstones) PublishTombstone(actorID id.ActorID, numRestarts int) error {
	return t.cp.ActorsTable.Put(gcs.ActorRow{
		ID:          actorID.String(),
		State:       "DEAD",
		NumRestarts: numRestarts,
	})
}
