// Command driftcore-node runs one data-plane process: the object store,
// reference-count table, object directory, pull/push managers, the
// cross-node object-transfer server, and the control-plane server that
// lets driftcore-gcs spawn workers and reserve this node's resources.
package main

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftrun/driftcore/internal/buildinfo"
	"github.com/driftrun/driftcore/internal/config"
	"github.com/driftrun/driftcore/internal/node"
	"github.com/driftrun/driftcore/internal/peerdial"
	"github.com/driftrun/driftcore/pkg/actorsys"
	"github.com/driftrun/driftcore/pkg/id"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:     "driftcore-node",
	Version: buildinfo.Version,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRoot(); err != nil {
			log.WithError(err).Fatal("driftcore-node: fatal error")
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config-file", "", "path to a driftcore node config file")
	defaults := config.Default()
	rootCmd.Flags().String("node-ip-address", defaults.NodeIPAddress, "IP address this node advertises to peers")
	rootCmd.Flags().Int("node-manager-port", defaults.NodeManagerPort, "port this node listens on for peer and control traffic")
	_ = v.BindPFlag("node_ip_address", rootCmd.Flags().Lookup("node-ip-address"))
	_ = v.BindPFlag("node_manager_port", rootCmd.Flags().Lookup("node-manager-port"))
}

func main() {
	rand.Seed(time.Now().UnixNano())
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("driftcore-node: fatal error")
	}
}

func runRoot() error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	log.WithField("config", cfg).Info("driftcore-node: starting")

	nodeID := id.NewNodeID()
	system := actorsys.NewSystem("driftcore-node-" + nodeID.String())
	registry := peerdial.NewRegistry()

	n := node.New(system, nodeID, cfg, registry)

	mux := http.NewServeMux()
	n.ServeHTTP(mux)

	addr := cfg.NodeIPAddress + ":" + strconv.Itoa(cfg.NodeManagerPort)
	log.WithField("address", addr).WithField("node_id", nodeID).Info("driftcore-node: listening")
	return http.ListenAndServe(addr, mux)
}
