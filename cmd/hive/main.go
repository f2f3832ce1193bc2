package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/container"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/scheduler"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/web"
	"github.com/mtzanidakis/hive/internal/worker"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cmd := "gateway"
	if len(os.Args) >= 2 {
		cmd = os.Args[1]
	}

	if cmd == "version" {
		fmt.Printf("hive %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	var args []string
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}

	switch cmd {
	case "gateway":
		err = runGateway(cfg)
	case "build-image":
		err = runBuildImage(cfg)
	case "backup":
		err = runBackup(cfg, args)
	case "restore":
		err = runRestore(cfg, args)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hive <command>

Commands:
  gateway      Start the swarm coordinator (default)
  build-image  Build the agent container image
  backup       Archive task history and agent workspaces
  restore      Restore an archive created by backup
  version      Print version
`)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runBuildImage(cfg *config.Config) error {
	mgr, err := container.NewManager(cfg.Runtime, "")
	if err != nil {
		return err
	}
	defer mgr.Close()

	slog.Info("building agent image", "image", cfg.Defaults.Image, "dockerfile", cfg.Runtime.Dockerfile)
	return mgr.BuildImage(context.Background(), cfg.Defaults.Image)
}

// agentRuntime builds the configured runtime and returns a cleanup func that
// stops whatever the coordinator did not.
func agentRuntime(ctx context.Context, cfg *config.Config, bus *natsbus.Bus) (swarm.AgentRuntime, func(), error) {
	switch cfg.Runtime.Kind {
	case "container":
		mgr, err := container.NewManager(cfg.Runtime, bus.AgentURL())
		if err != nil {
			return nil, nil, fmt.Errorf("init container manager: %w", err)
		}
		if err := mgr.CleanupStale(ctx); err != nil {
			slog.Warn("stale container cleanup failed", "error", err)
		}
		return mgr, func() {
			mgr.StopAll(context.Background(), cfg.Swarm.StopTimeout)
			mgr.Close()
		}, nil

	default:
		handler := func(a swarm.Agent) worker.Handler {
			dir := filepath.Join(cfg.Runtime.WorkspaceDir, a.ID)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				slog.Warn("create agent workspace failed", "agent", a.ID, "error", err)
				dir = ""
			}
			return worker.CommandHandler{Dir: dir, VoteCommand: cfg.Runtime.VoteCommand}
		}
		return worker.NewLocalRuntime(bus.ClientURL(), cfg.Runtime.Heartbeat, handler), func() {}, nil
	}
}

func runGateway(cfg *config.Config) error {
	slog.Info("starting hive gateway", "version", version, "runtime", cfg.Runtime.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite history
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "url", bus.ClientURL())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	runtime, cleanup, err := agentRuntime(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer cleanup()

	events := natsbus.NewEventPublisher(client)
	coord := swarm.New(*cfg, runtime, natsbus.NewTransport(client),
		swarm.WithLogger(slog.Default()),
		swarm.WithEvents(events),
		swarm.WithHistory(db),
		swarm.WithEndpoints(natsbus.TopicAgentEndpoint),
	)

	if _, err := natsbus.SubscribeHeartbeats(client, func(agentID string) {
		_ = coord.Heartbeat(agentID)
	}); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	go coord.RunLivenessSweep(ctx)

	if _, err := natsbus.ServeControl(client, coord); err != nil {
		return fmt.Errorf("serve control: %w", err)
	}

	// Scheduler
	sched := scheduler.New(db, coord, events, cfg.Scheduler)
	if err := sched.Sync(cfg.Scheduler.Schedules); err != nil {
		slog.Warn("schedule sync", "error", err)
	}
	go sched.Start(ctx)

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(coord, db, sched, client, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// SIGHUP reloads config, SIGINT/SIGTERM shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(cfg, coord, sched)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	signal.Stop(sigCh)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := coord.Close(shutdownCtx); err != nil {
		slog.Warn("coordinator shutdown", "error", err)
	}
	if err := client.Drain(); err != nil {
		slog.Warn("nats drain", "error", err)
	}
	return nil
}

// reload applies the reloadable parts of a changed config file and returns
// the config now in effect.
func reload(old *config.Config, coord *swarm.Coordinator, sched *scheduler.Scheduler) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}

	d := config.Diff(old, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if next.Log != old.Log {
		setupLogger(next.Log)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing changed")
		merged := *old
		merged.Log = next.Log
		return &merged
	}

	if d.SwarmChanged || d.DefaultsChanged {
		coord.UpdateConfig(next.Swarm, next.Defaults)
	}
	if d.SchedulerChanged {
		if err := sched.UpdateConfig(next.Scheduler); err != nil {
			slog.Warn("scheduler reload", "error", err)
		}
	}
	slog.Info("config reloaded", "swarm", d.SwarmChanged, "defaults", d.DefaultsChanged, "scheduler", d.SchedulerChanged)

	// Keep non-reloadable sections as they are running
	merged := *old
	merged.Swarm, merged.Defaults, merged.Scheduler, merged.Log = next.Swarm, next.Defaults, next.Scheduler, next.Log
	return &merged
}
