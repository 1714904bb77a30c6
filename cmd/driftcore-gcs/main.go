// Command driftcore-gcs runs the cluster-wide control process: cluster
// scheduling, placement groups, the actor manager, and the GCS tables,
// driving every registered node's control.Server over the network.
package main

import (
	"math/rand"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftrun/driftcore/internal/buildinfo"
	"github.com/driftrun/driftcore/internal/config"
	"github.com/driftrun/driftcore/internal/controlplane"
	"github.com/driftrun/driftcore/internal/gcs"
	"github.com/driftrun/driftcore/internal/peerdial"
	"github.com/driftrun/driftcore/pkg/actorsys"
)

var (
	v          = viper.New()
	configFile string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:     "driftcore-gcs",
	Version: buildinfo.Version,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRoot(); err != nil {
			log.WithError(err).Fatal("driftcore-gcs: fatal error")
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config-file", "", "path to a driftcore GCS config file")
	rootCmd.Flags().StringVar(&dbPath, "db-path", "", "directory for the GCS tables' durable backend (empty keeps state in memory only)")
	rootCmd.Flags().String("cluster-address", "", "address this control process listens on")
	_ = v.BindPFlag("cluster_address", rootCmd.Flags().Lookup("cluster-address"))
}

func main() {
	rand.Seed(time.Now().UnixNano())
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("driftcore-gcs: fatal error")
	}
}

func runRoot() error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	log.WithField("config", cfg).Info("driftcore-gcs: starting")

	backend, err := resolveBackend()
	if err != nil {
		return err
	}

	system := actorsys.NewSystem("driftcore-gcs")
	registry := peerdial.NewRegistry()

	cp := controlplane.New(system, registry, controlplane.Config{Backend: backend})

	mux := http.NewServeMux()
	registerAPI(mux, cp)
	addr := cfg.ClusterAddress
	if addr == "" {
		addr = ":6381"
	}
	log.WithField("address", addr).Info("driftcore-gcs: listening")
	return http.ListenAndServe(addr, mux)
}

func resolveBackend() (gcs.Backend, error) {
	if dbPath == "" {
		return gcs.NopBackend{}, nil
	}
	return gcs.NewFileBackend(dbPath)
}
