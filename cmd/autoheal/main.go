// Autoheal - autonomous incident remediation daemon
// Main entry point with CLI interface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/alerting"
	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/coordinator"
	"github.com/WilBtc/autoheal/internal/diagnose"
	"github.com/WilBtc/autoheal/internal/escalation"
	"github.com/WilBtc/autoheal/internal/executor"
	"github.com/WilBtc/autoheal/internal/gateway"
	"github.com/WilBtc/autoheal/internal/knowledge"
	"github.com/WilBtc/autoheal/internal/learning"
	"github.com/WilBtc/autoheal/internal/logging"
	"github.com/WilBtc/autoheal/internal/quickfix"
	"github.com/WilBtc/autoheal/internal/source"
	"github.com/WilBtc/autoheal/internal/storage"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const configPath = "autoheal.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "queue":
		cmdQueue()
	case "version":
		fmt.Printf("Autoheal %s (built %s)\n", Version, BuildTime)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Autoheal - autonomous incident remediation daemon

Usage:
  autoheal <command> [options]

Commands:
  init       Initialize configuration and database
  run        Start the remediation daemon
  status     Show pipeline counters and queue health
  queue      List escalations pending human review
  version    Print version information
  help       Show this help

Scanners submit incidents via POST /api/v1/incidents on the review API.

Configuration: autoheal.yaml (created by 'autoheal init')`)
}

// cmdInit creates default configuration and data directories.
func cmdInit() {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("autoheal.yaml already exists. Delete it to re-initialize.")
		return
	}

	cfg := config.DefaultConfig()

	if err := os.MkdirAll(cfg.Agent.DataDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	// Initialize database schema.
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	store, err := storage.NewSQLite(cfg.Storage.DSN, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}
	store.Close()

	fmt.Println("✓ Autoheal initialized successfully!")
	fmt.Printf("  Config: %s\n", configPath)
	fmt.Printf("  Data:   %s\n", cfg.Agent.DataDir)
	fmt.Printf("  DB:     %s\n", cfg.Storage.DSN)
	fmt.Println("\nEdit autoheal.yaml to configure the diagnostic worker and notifiers.")
	fmt.Println("Run 'autoheal run' to start the daemon.")
}

// cmdRun starts the remediation daemon.
func cmdRun() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Println("Run 'autoheal init' to create a default configuration.")
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info().
		Str("version", Version).
		Str("hostname", cfg.Agent.Hostname).
		Msg("starting autoheal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	store, err := storage.NewSQLite(cfg.Storage.DSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	// Notification transports plus the dashboard feed.
	notifiers, err := alerting.BuildNotifiers(cfg.Notifications, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build notifiers")
	}

	learner := learning.NewStore(cfg.Learning, store, logger)

	retriever := knowledge.NewRetriever(cfg.Knowledge, knowledge.GitVCS{}, logger)
	defer retriever.Close()

	exec := executor.NewLocal(cfg.Executor, logger)
	fixer := quickfix.NewFixer(exec, logger)
	diagnostician := diagnose.NewDiagnostician(cfg.Diagnostics, exec, logger)

	adapter := source.NewAdapter(cfg.Pipeline.QueueSize, logger)

	// The gateway is built before the sink so its WebSocket hub can be
	// registered as a notifier; the coordinator is wired in afterwards.
	var srv *gateway.Server
	if cfg.Gateway.Enabled {
		srv = gateway.NewServer(cfg.Gateway, nil, nil, adapter, logger)
		notifiers = append(notifiers, srv.Hub())
	}

	sink := escalation.NewSink(store, notifiers, logger)
	coord := coordinator.New(cfg.Pipeline, retriever, diagnostician, fixer, learner, sink, logger)

	if srv != nil {
		srv.SetSink(sink)
		srv.SetPipeline(coord)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("review api server error")
			}
		}()
	}

	// Maintenance jobs: learning eviction and the daily digest.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Maintenance.EvictSchedule, func() {
		if n, err := learner.EvictExpired(); err != nil {
			logger.Error().Err(err).Msg("learning eviction failed")
		} else if n > 0 {
			logger.Info().Int64("evicted", n).Msg("expired learning entries removed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("invalid evict_schedule")
	}
	if _, err := sched.AddFunc(cfg.Maintenance.DigestSchedule, func() {
		if err := sink.SendDigest(); err != nil {
			logger.Error().Err(err).Msg("digest delivery failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("invalid digest_schedule")
	}
	sched.Start()
	defer sched.Stop()

	logger.Info().
		Int("max_concurrent", cfg.Pipeline.MaxConcurrentIncidents).
		Int("panel_size", cfg.Diagnostics.ExpertPanelSize).
		Bool("dry_run", cfg.Executor.DryRun).
		Bool("gateway", cfg.Gateway.Enabled).
		Msg("autoheal is running")
	if cfg.Gateway.Enabled {
		logger.Info().Msgf("review API available at http://%s", cfg.Gateway.ListenAddr)
	}

	// The adapter closes on shutdown, which lets Run drain in-flight
	// incidents before returning.
	go func() {
		<-ctx.Done()
		adapter.Close()
	}()

	if err := coord.Run(ctx, adapter.Incidents()); err != nil {
		logger.Error().Err(err).Msg("coordinator stopped with error")
	}

	sink.Drain()
	logger.Info().Msg("autoheal shut down cleanly")
}

// cmdStatus prints a quick health summary.
func cmdStatus() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Println("Error: Could not load config. Is autoheal initialized?")
		os.Exit(1)
	}

	store, err := storage.NewSQLite(cfg.Storage.DSN, zerolog.Nop())
	if err != nil {
		fmt.Println("Error: Could not connect to database.")
		os.Exit(1)
	}
	defer store.Close()

	sink := escalation.NewSink(store, nil, zerolog.Nop())
	stats, err := sink.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading escalation stats: %v\n", err)
		os.Exit(1)
	}
	learner := learning.NewStore(cfg.Learning, store, zerolog.Nop())
	learned, _ := learner.Size()

	fmt.Println("Autoheal Status")
	fmt.Println("═══════════════")
	fmt.Printf("  Storage:          %s (%s)\n", cfg.Storage.Driver, cfg.Storage.DSN)
	fmt.Printf("  Escalations:      %d total, %d pending, %d resolved\n",
		stats.Total, stats.Pending, stats.Resolved)
	if stats.Resolved > 0 {
		fmt.Printf("  Avg resolution:   %s\n", stats.AvgResolution.Round(time.Second))
	}
	fmt.Printf("  Learned fixes:    %d\n", learned)
	fmt.Printf("  Dry run:          %v\n", cfg.Executor.DryRun)
	fmt.Printf("  Review API:       %v (%s)\n", cfg.Gateway.Enabled, cfg.Gateway.ListenAddr)
	fmt.Printf("  Panel size:       %d\n", cfg.Diagnostics.ExpertPanelSize)
}

// cmdQueue lists escalations pending human review.
func cmdQueue() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Println("Error: Could not load config. Is autoheal initialized?")
		os.Exit(1)
	}

	store, err := storage.NewSQLite(cfg.Storage.DSN, zerolog.Nop())
	if err != nil {
		fmt.Println("Error: Could not connect to database.")
		os.Exit(1)
	}
	defer store.Close()

	sink := escalation.NewSink(store, nil, zerolog.Nop())
	pending, err := sink.ListPending(50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing escalations: %v\n", err)
		os.Exit(1)
	}

	if len(pending) == 0 {
		fmt.Println("No escalations pending review.")
		return
	}

	fmt.Printf("Pending Escalations (%d)\n", len(pending))
	fmt.Println("════════════════════════")
	for _, e := range pending {
		fmt.Printf("  #%-4d %-9s %-18s %-24s %d attempts  %s\n",
			e.ID, e.Severity, e.Incident.Kind, e.Incident.Subject,
			len(e.Attempts), e.CreatedAt.Format("2006-01-02 15:04"))
	}
}
