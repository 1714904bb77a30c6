package main

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/driftrun/driftcore/internal/actormgr"
	"github.com/driftrun/driftcore/internal/controlplane"
	"github.com/driftrun/driftcore/internal/placement"
	"github.com/driftrun/driftcore/pkg/id"
	"github.com/driftrun/driftcore/pkg/resource"
)

// registerAPI exposes spec.md §6's actor and placement-group external
// interfaces as plain JSON-over-HTTP endpoints, the way SPEC_FULL.md's
// DOMAIN STACK dropped echo/swagger in favor of net/http + encoding/json
// for this tree's external surface.
func registerAPI(mux *http.ServeMux, cp *controlplane.ControlPlane) {
	mux.HandleFunc("/v1/actors", handleCreateActor(cp))
	mux.HandleFunc("/v1/actors/kill", handleKillActor(cp))
	mux.HandleFunc("/v1/placement-groups", handleCreatePlacementGroup(cp))
	mux.HandleFunc("/v1/placement-groups/remove", handleRemovePlacementGroup(cp))
	mux.HandleFunc("/v1/placement-groups/state", handlePlacementGroupState(cp))
}

type createActorRequest struct {
	CreationDeps []string         `json:"creation_dependencies"`
	Resources    map[string]float64 `json:"resources"`
	MaxRestarts  int              `json:"max_restarts"`
}

func handleCreateActor(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createActorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		actorID := id.NewActorID()
		deps := make([]id.ObjectID, 0, len(req.CreationDeps))
		for _, raw := range req.CreationDeps {
			objID, err := id.ParseObjectID(raw)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			deps = append(deps, objID)
		}

		entries := make(map[resource.ID]resource.Quantity, len(req.Resources))
		for name, units := range req.Resources {
			entries[resource.ID(name)] = resource.NewQuantity(units)
		}

		cp.Actors.CreateActor(actorID, deps, resource.NewSet(entries), actormgr.RestartPolicy{MaxRestarts: req.MaxRestarts})
		writeJSON(w, map[string]string{"actor_id": actorID.String()})
	}
}

func handleKillActor(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := parseActorID(w, r)
		if !ok {
			return
		}
		cp.Actors.Kill(actorID)
		w.WriteHeader(http.StatusNoContent)
	}
}

type createPlacementGroupRequest struct {
	Bundles []map[string]float64 `json:"bundles"`
}

func handleCreatePlacementGroup(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPlacementGroupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		pgID := id.NewPlacementGroupID()
		bundles := make([]placement.Bundle, len(req.Bundles))
		for i, b := range req.Bundles {
			entries := make(map[resource.ID]resource.Quantity, len(b))
			for name, units := range b {
				entries[resource.ID(name)] = resource.NewQuantity(units)
			}
			bundles[i] = placement.Bundle{Index: i, Resources: resource.NewSet(entries)}
		}

		if err := cp.Placement.CreatePlacementGroup(pgID, bundles); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"placement_group_id": pgID.String()})
	}
}

func handleRemovePlacementGroup(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pgID, ok := parsePlacementGroupID(w, r)
		if !ok {
			return
		}
		cp.Placement.RemovePlacementGroup(pgID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePlacementGroupState(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pgID, ok := parsePlacementGroupID(w, r)
		if !ok {
			return
		}
		writeJSON(w, map[string]string{"state": string(cp.Placement.State(pgID))})
	}
}

func parseActorID(w http.ResponseWriter, r *http.Request) (id.ActorID, bool) {
	raw := r.URL.Query().Get("actor_id")
	actorID, err := id.ParseActorID(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return id.ActorID{}, false
	}
	return actorID, true
}

func parsePlacementGroupID(w http.ResponseWriter, r *http.Request) (id.PlacementGroupID, bool) {
	raw := r.URL.Query().Get("placement_group_id")
	pgID, err := id.ParsePlacementGroupID(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return id.PlacementGroupID{}, false
	}
	return pgID, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("driftcore-gcs: writing response")
	}
}
