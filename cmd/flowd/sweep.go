package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flow-orchestrator/backend/internal/catalog"
	"flow-orchestrator/backend/internal/config"
	"flow-orchestrator/backend/internal/engine"
	"flow-orchestrator/backend/internal/executor"
	"flow-orchestrator/backend/internal/logging"
	"flow-orchestrator/backend/internal/monitor"
	"flow-orchestrator/backend/internal/repository"
	"flow-orchestrator/backend/internal/telemetry"
)

var sweepTimeout time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one recovery sweep and print the report",
	Long: `sweep runs a single pass of the recovery monitor against the
configured database and prints the sweep report as JSON. Intended to be
invoked from cron or a scheduler; the serve command also exposes the same
sweep via POST /internal/sweep.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepTimeout, "timeout", 10*time.Minute, "Overall sweep deadline")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	dbPool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	metrics, err := telemetry.New()
	if err != nil {
		logger.Warn("Metrics initialization failed, continuing without", "error", err)
	}

	store := repository.NewPostgresFlowStore(dbPool)
	cat := catalog.New()
	exec := executor.NewHTTPPhaseExecutor(cfg.Executor.URL,
		executor.WithDefaultTimeout(cfg.Executor.DefaultTimeout),
		executor.WithPhaseTimeouts(cfg.Executor.PhaseTimeouts),
	)
	eng := engine.New(store, cat, exec, logger, metrics, engine.Config{
		ClaimTTL:         cfg.Executor.ClaimTTL,
		TransientRetries: cfg.Executor.TransientRetries,
	})
	mon := monitor.New(store, eng, cat, logger, metrics, monitor.Config{
		StuckThreshold:     cfg.Recovery.StuckThreshold,
		InitStuckThreshold: cfg.Recovery.InitStuckThreshold,
		ProgressWeight:     cfg.Recovery.ProgressWeight,
		TerminalWeight:     cfg.Recovery.TerminalWeight,
		ReadyWeight:        cfg.Recovery.ReadyWeight,
		CompleteCutoff:     cfg.Recovery.CompleteCutoff,
		MaxRepairsPerSweep: cfg.Recovery.MaxRepairsPerSweep,
	})

	report, err := mon.RunSweep(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
