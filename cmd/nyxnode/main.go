package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/cluster"
	"github.com/nyxcluster/nyx/gen"
	"github.com/nyxcluster/nyx/node"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	nodeID           string
	seeds            string
	secret           string
	requireSignature bool
	heartbeatMs      int
	missThreshold    int
	logLevel         string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "nyxnode",
		Short: "nyxnode — standalone node in a nyx actor cluster",
		Long: `nyxnode runs a single cluster node: it listens for peer
connections, joins the cluster formed by its seed nodes, and keeps
running until terminated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("NYX_NODE_ID", ""), "this node's id, name@host:port (required)")
	root.PersistentFlags().StringVar(&cfg.seeds, "seeds", envOrDefault("NYX_SEEDS", ""), "comma-separated seed node ids to connect to at startup")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("NYX_CLUSTER_SECRET", ""), "HMAC secret for envelope signing (empty disables signing)")
	root.PersistentFlags().BoolVar(&cfg.requireSignature, "require-signature", envOrDefault("NYX_REQUIRE_SIGNATURE", "false") == "true", "reject envelopes without a valid signature")
	root.PersistentFlags().IntVar(&cfg.heartbeatMs, "heartbeat-ms", 1000, "heartbeat broadcast interval in milliseconds")
	root.PersistentFlags().IntVar(&cfg.missThreshold, "miss-threshold", 3, "number of missed heartbeat intervals before a peer is marked down")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NYX_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nyxnode %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.nodeID == "" {
		return fmt.Errorf("node id is required — set --node-id or NYX_NODE_ID")
	}
	localID, err := node.Parse(cfg.nodeID)
	if err != nil {
		return fmt.Errorf("invalid --node-id: %w", err)
	}

	seeds, err := parseSeeds(cfg.seeds)
	if err != nil {
		return fmt.Errorf("invalid --seeds: %w", err)
	}

	logger.Info("starting nyxnode",
		zap.String("version", version),
		zap.String("node_id", localID.String()),
		zap.Int("seed_count", len(seeds)),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	localNode := gen.NewNode(localID, logger)
	c := cluster.New(localNode, logger)

	c.OnNodeUp(func(n node.ID) { logger.Info("peer up", zap.String("node", n.String())) })
	c.OnNodeDown(func(n node.ID, reason string) {
		logger.Warn("peer down", zap.String("node", n.String()), zap.String("reason", reason))
	})

	clusterCfg := cluster.NewConfig(localID,
		cluster.WithSeeds(seeds...),
		cluster.WithSecret(cfg.secret, cfg.requireSignature),
		cluster.WithHeartbeat(cfg.heartbeatMs, cfg.missThreshold),
	)
	if err := c.Start(clusterCfg); err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down nyxnode")

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			logger.Warn("cluster shutdown error", zap.Error(err))
		}
	case <-time.After(15 * time.Second):
		logger.Warn("cluster shutdown timed out")
	}

	logger.Info("nyxnode stopped")
	return nil
}

func parseSeeds(raw string) ([]node.ID, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]node.ID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := node.Parse(p)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
