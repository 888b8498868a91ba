package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/oceanpark/oceanctl/internal/actionlog"
	"github.com/oceanpark/oceanctl/internal/api"
	"github.com/oceanpark/oceanctl/internal/config"
	"github.com/oceanpark/oceanctl/internal/logging"
	"github.com/oceanpark/oceanctl/internal/manager"
	"github.com/oceanpark/oceanctl/internal/models"
	"github.com/oceanpark/oceanctl/internal/monitor"
	"github.com/oceanpark/oceanctl/internal/probe"
	"github.com/oceanpark/oceanctl/internal/protocols"
	"github.com/oceanpark/oceanctl/internal/registry"
	"github.com/oceanpark/oceanctl/internal/reports"
	"github.com/oceanpark/oceanctl/internal/retry"
	"github.com/oceanpark/oceanctl/internal/scheduler"
	"github.com/oceanpark/oceanctl/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes: 0 normal shutdown, 2 invalid configuration, 3 schedule
// store unreadable.
const (
	exitConfig   = 2
	exitSchedule = 3
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "oceanctl",
	Short:   "oceanctl - AV equipment power control and monitoring engine",
	Long:    `oceanctl automates power control and health monitoring of networked audio-visual equipment: projectors, video cubes and exposition PCs.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("oceanctl %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "checkconfig",
	Short: "Validate the configuration file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(exitConfig)
		}
		if _, err := registry.New(cfg.Devices, cfg.Groups); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(exitConfig)
		}
		fmt.Printf("configuration OK: %d devices, %d groups\n", len(cfg.Devices), len(cfg.Groups))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup messages.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "oceanctl"})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(exitConfig)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "oceanctl",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	loc, err := cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Invalid timezone")
		os.Exit(exitConfig)
	}

	reg, err := registry.New(cfg.Devices, cfg.Groups)
	if err != nil {
		log.Error().Err(err).Msg("Invalid device configuration")
		os.Exit(exitConfig)
	}

	log.Info().
		Str("version", Version).
		Int("devices", len(cfg.Devices)).
		Int("groups", len(cfg.Groups)).
		Msg("Starting oceanctl control engine")

	sink, err := actionlog.NewSink(cfg.LogDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open action log")
		os.Exit(exitConfig)
	}
	defer sink.Close()

	reportStore, err := reports.NewStore(cfg.ReportDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open report store")
		os.Exit(exitConfig)
	}

	jobStore, err := scheduler.OpenStore(cfg.ScheduleDBPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open schedule store")
		os.Exit(exitSchedule)
	}
	defer jobStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	clock := clockwork.NewRealClock()

	var mon *monitor.Monitor
	hub := websocket.NewHub(func() models.HealthSnapshot {
		if mon == nil {
			return models.HealthSnapshot{}
		}
		return mon.Snapshot()
	})
	go hub.Run()

	mgr := manager.New(manager.Config{
		Registry:  reg,
		Adapters:  protocols.NewMap(),
		Executor:  retry.New(cfg.Retry, clock),
		Sink:      sink,
		Reports:   reportStore,
		Hub:       hub,
		Semaphore: sem,
		Deadline:  cfg.BulkDeadline(),
		Clock:     clock,
	})

	mon = monitor.New(monitor.Config{
		Registry:  reg,
		Prober:    probe.New(),
		Semaphore: sem,
		Interval:  cfg.MonitorInterval(),
		Sink:      sink,
		Reports:   reportStore,
		Hub:       hub,
		Clock:     clock,
	})
	go mon.Run(ctx)

	sched, err := scheduler.New(jobStore, mgr, sink, loc, clock)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load schedule")
		os.Exit(exitSchedule)
	}
	go sched.Run(ctx)

	router := api.NewRouter(api.Config{
		Registry:  reg,
		Manager:   mgr,
		Scheduler: sched,
		Monitor:   mon,
		Sink:      sink,
		Reports:   reportStore,
		Hub:       hub,
		Version:   Version,
		MaxConc:   cfg.MaxConcurrency,
		BaseCtx:   ctx,
	})

	// ReadHeaderTimeout rather than ReadTimeout so the deadline does not
	// survive the websocket upgrade.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	watcher, err := config.NewWatcher(cfg.Path, func(next *config.Config) {
		if err := reg.Reload(next.Devices, next.Groups); err != nil {
			log.Error().Err(err).Msg("Configuration reload rejected")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, file changes require restart")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("Control surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			log.Info().Msg("SIGHUP received, reloading configuration")
			if watcher != nil {
				watcher.Reload()
			}
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	log.Info().Msg("Shutdown complete")
}
