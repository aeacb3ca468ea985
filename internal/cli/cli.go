// Package cli wires the config, replicated log, registry, allocator,
// scheduler, and liveness components into a runnable coordinatord process,
// using a BuildCLI/loadConfig/signal-handling pattern built around this
// module's components.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/allocator"
	"github.com/ChuLiYu/clustermgr/internal/config"
	"github.com/ChuLiYu/clustermgr/internal/group"
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/liveness"
	"github.com/ChuLiYu/clustermgr/internal/metrics"
	"github.com/ChuLiYu/clustermgr/internal/registry"
	"github.com/ChuLiYu/clustermgr/internal/replog/coordinator"
	"github.com/ChuLiYu/clustermgr/internal/replog/replica"
	"github.com/ChuLiYu/clustermgr/internal/resources"
	"github.com/ChuLiYu/clustermgr/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var configFile string

// BuildCLI assembles the coordinatord root command.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "coordinatord",
		Short:   "Two-level cluster resource manager coordinator",
		Version: "1.0.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	root.AddCommand(buildRunCommand())
	root.AddCommand(buildInspectCommand())
	return root
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator()
		},
	}
}

// components bundles every long-lived actor runCoordinator starts, so
// shutdown can stop them in reverse dependency order.
type components struct {
	grp        *group.Group
	rep        *replica.Replica
	coord      *coordinator.Coordinator
	alloc      *allocator.Allocator
	mast       *scheduler.Master
	live       *liveness.Monitor
	metricsReg *prometheus.Registry
}

func runCoordinator() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting coordinatord", "config", configFile)

	c, err := bootstrap(cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port, c.metricsReg); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
		slog.Info("metrics server listening", "port", cfg.Metrics.Port)
	}

	c.alloc.Start()
	c.mast.Start()
	c.live.Start()
	slog.Info("coordinator running", "epoch", c.coord.Epoch())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("received shutdown signal, stopping")
	c.live.Stop()
	c.mast.Stop()
	c.alloc.Stop()
	c.rep.Close()
	slog.Info("coordinatord stopped")
	return nil
}

// bootstrap opens the local replica, opens a Group session when etcd
// endpoints are configured (the election does not consult Group
// membership), runs the election protocol, and wires the resulting epoch
// into the Registry/Allocator/Master/Monitor.
func bootstrap(cfg *config.Config) (*components, error) {
	reg := registry.New()
	metricsReg := prometheus.NewRegistry()
	coll := metrics.NewCollector(metricsReg)

	if err := os.MkdirAll(cfg.Replica.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rep, err := replica.Open(filepath.Join(cfg.Replica.LogDir, "replica.log"), cfg.Replica.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	rep.SetMetrics(coll)

	var grp *group.Group
	if len(cfg.Group.Endpoints) > 0 {
		grp, err = joinGroup(cfg)
		if err != nil {
			rep.Close()
			return nil, err
		}
	}

	coord := coordinator.New(coordinator.Config{
		Peers:        []coordinator.Peer{rep},
		RoundTimeout: cfg.Cluster.PaxosPhaseTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.PaxosPhaseTimeout)
	defer cancel()
	if err := coord.Elect(ctx); err != nil {
		rep.Close()
		return nil, fmt.Errorf("elect: %w", err)
	}

	fwT := newLoggingTransport()
	book := newOfferBook(reg, ids.NewGenerator(coord.Epoch()), fwT)
	alloc := allocator.New(allocator.Config{
		Registry:     reg,
		Dispatcher:   book,
		TickInterval: cfg.Allocator.TickInterval,
		BatchLimit:   cfg.Allocator.BatchLimit,
		MinFree:      minFreeVector(cfg),
		Metrics:      coll,
	})

	mast := scheduler.New(scheduler.Config{
		Registry:           reg,
		Allocator:          alloc,
		Epoch:              coord.Epoch(),
		FrameworkTransport: fwT,
		WorkerTransport:    workerTransportAdapter{fwT},
		Metrics:            coll,
	})

	live := liveness.New(liveness.Config{
		Registry:  reg,
		Allocator: alloc,
		Offers:    book,
		Framework: fwT,
		Worker:    workerTransportAdapter{fwT},
		Threshold: cfg.Liveness.Threshold,
		Tick:      cfg.Liveness.TickInterval,
		Metrics:   coll,
	})

	return &components{grp: grp, rep: rep, coord: coord, alloc: alloc, mast: mast, live: live, metricsReg: metricsReg}, nil
}

func minFreeVector(cfg *config.Config) resources.Vector {
	v := resources.New()
	v["cpus"] = resources.NewScalar(cfg.Allocator.MinCPU)
	v["mem"] = resources.NewScalar(cfg.Allocator.MinMem)
	return v
}

func joinGroup(cfg *config.Config) (*group.Group, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Group.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	grp, err := group.New(ctx, group.Config{
		Client:     client,
		Prefix:     cfg.Group.Prefix,
		BackoffCap: cfg.Group.BackoffCap,
	})
	if err != nil {
		return nil, fmt.Errorf("join group: %w", err)
	}
	return grp, nil
}

func buildInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect()
		},
	}
}

func inspect() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("coordinatord configuration")
	fmt.Printf("  config file:          %s\n", configFile)
	fmt.Printf("  cluster.epoch:        %d\n", cfg.Cluster.Epoch)
	fmt.Printf("  cluster.phase_timeout: %s\n", cfg.Cluster.PaxosPhaseTimeout)
	fmt.Printf("  replica.log_dir:      %s\n", cfg.Replica.LogDir)
	fmt.Printf("  replica.cache_entries: %d\n", cfg.Replica.CacheEntries)
	fmt.Printf("  group.endpoints:      %v\n", cfg.Group.Endpoints)
	fmt.Printf("  group.prefix:         %s\n", cfg.Group.Prefix)
	fmt.Printf("  allocator.tick:       %s\n", cfg.Allocator.TickInterval)
	fmt.Printf("  allocator.batch_limit: %d\n", cfg.Allocator.BatchLimit)
	fmt.Printf("  liveness.threshold:   %s\n", cfg.Liveness.Threshold)
	fmt.Printf("  metrics.enabled:      %t\n", cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics.port:         %d\n", cfg.Metrics.Port)
	}
	return nil
}
