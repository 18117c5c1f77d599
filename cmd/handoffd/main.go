package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"handoff/config"
	"handoff/pkg/logging"
	"handoff/pkg/server"
	"handoff/pkg/telemetry"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"storage":    "storage.backend",
	"cluster":    "cluster.enabled",
	"node-id":    "cluster.node_id",
	"advertise":  "cluster.advertise_addr",
	"seeds":      "cluster.seeds",
	"membership": "cluster.membership",
	"raft-addr":  "cluster.raft.bind_addr",
	"raft-dir":   "cluster.raft.data_dir",
	"bootstrap":  "cluster.raft.bootstrap",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"tracing":    "tracing.enabled",
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	loader := config.NewLoader()

	cmd := &cobra.Command{
		Use:          "handoffd",
		Short:        "handoffd - state handoff directory server",
		Long:         `handoffd holds handoff records under labels until a successor process claims them`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, key := range flagKeys {
				if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}
			cfg, err := loader.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), loader, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to configuration file")
	f.String("host", "localhost", "Server host")
	f.Int("port", 7400, "Server port")
	f.String("storage", "memory", "Queue backend (memory or badger)")
	f.Bool("cluster", false, "Enable clustering")
	f.String("node-id", "", "Node ID for clustering")
	f.String("advertise", "", "Address peers use to reach this node")
	f.StringSlice("seeds", nil, "Addresses of existing cluster members")
	f.String("membership", config.MembershipStatic, "Membership mode (static or raft)")
	f.String("raft-addr", "", "Raft bind address")
	f.String("raft-dir", "./raft", "Raft data directory")
	f.Bool("bootstrap", false, "Bootstrap a new raft cluster")
	f.String("log-level", "info", "Log level")
	f.String("log-format", "text", "Log format (text or json)")
	f.Bool("tracing", false, "Enable tracing")
	return cmd
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	logger, closer, err := logging.New("handoffd", cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, cfg.Cluster.NodeID)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if file := loader.ConfigFile(); file != "" {
		logger.Info("using configuration file", "path", file)
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				logger.Warn("ignoring invalid configuration change", "error", err)
				return
			}
			srv.Reload(next)
		})
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("handoffd stopped")
	return nil
}
