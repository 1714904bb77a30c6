// Command driftctl is a thin CLI client for driftcore-gcs's HTTP API,
// covering spec.md §6's actor and placement-group external interfaces
// (CreateActor/KillActor, CreatePlacementGroup/RemovePlacementGroup/
// WaitPlacementGroupReady). Task submission and object push/pull/free
// are driver-process operations in spec.md §6 (a calling actor/worker's
// own submitter and object store), not a one-shot RPC a CLI can issue
// from outside the cluster, so driftctl does not expose them: see
// DESIGN.md.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driftrun/driftcore/internal/buildinfo"
)

var gcsAddress string

var rootCmd = &cobra.Command{
	Use:     "driftctl",
	Version: buildinfo.Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gcsAddress, "gcs-address", "http://127.0.0.1:6381", "address of the driftcore-gcs control process")
	rootCmd.AddCommand(
		createActorCmd(),
		killActorCmd(),
		createPlacementGroupCmd(),
		removePlacementGroupCmd(),
		waitPlacementGroupReadyCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("driftctl: fatal error")
		os.Exit(1)
	}
}

func createActorCmd() *cobra.Command {
	var maxRestarts int
	cmd := &cobra.Command{
		Use:   "create-actor",
		Short: "create an actor and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := postJSON("/v1/actors", map[string]interface{}{
				"creation_dependencies": []string{},
				"resources":             map[string]float64{},
				"max_restarts":          maxRestarts,
			})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", 0, "number of times to restart the actor on failure")
	return cmd
}

func killActorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill-actor [actor-id]",
		Short: "kill a running actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postNoBody("/v1/actors/kill?actor_id=" + url.QueryEscape(args[0]))
		},
	}
	return cmd
}

func createPlacementGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-placement-group [bundle-cpu]...",
		Short: "create a placement group with one CPU bundle per argument, sized by that argument's CPU quantity",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundles := make([]map[string]float64, len(args))
			for i, raw := range args {
				var cpus float64
				if _, err := fmt.Sscanf(raw, "%f", &cpus); err != nil {
					return fmt.Errorf("parsing bundle cpu quantity %q: %w", raw, err)
				}
				bundles[i] = map[string]float64{"CPU": cpus}
			}
			resp, err := postJSON("/v1/placement-groups", map[string]interface{}{"bundles": bundles})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	return cmd
}

func removePlacementGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-placement-group [placement-group-id]",
		Short: "remove a placement group and free its bundles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postNoBody("/v1/placement-groups/remove?placement_group_id=" + url.QueryEscape(args[0]))
		},
	}
	return cmd
}

func waitPlacementGroupReadyCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait-placement-group-ready [placement-group-id]",
		Short: "poll a placement group's state until it is ready or the timeout elapses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline := time.Now().Add(timeout)
			for {
				resp, err := getJSON("/v1/placement-groups/state?placement_group_id=" + url.QueryEscape(args[0]))
				if err != nil {
					return err
				}
				if resp["state"] == "COMMITTED" {
					return printJSON(resp)
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("placement group %s not ready after %s (last state %q)", args[0], timeout, resp["state"])
				}
				time.Sleep(200 * time.Millisecond)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait before giving up")
	return cmd
}

func postJSON(path string, body interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(gcsAddress+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	return decodeOrError(resp)
}

func postNoBody(path string) error {
	resp, err := http.Post(gcsAddress+path, "application/json", nil)
	if err != nil {
		return err
	}
	_, err = decodeOrError(resp)
	return err
}

func getJSON(path string) (map[string]interface{}, error) {
	resp, err := http.Get(gcsAddress + path)
	if err != nil {
		return nil, err
	}
	return decodeOrError(resp)
}

func decodeOrError(resp *http.Response) (map[string]interface{}, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("driftcore-gcs: %s", resp.Status)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func printJSON(v map[string]interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
