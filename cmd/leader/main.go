// -----------------------------------------------------------------------
// Last Modified: Friday, 31st July 2026 12:00:00 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dagleader/internal/batchsystem"
	"github.com/ternarybob/dagleader/internal/common"
	"github.com/ternarybob/dagleader/internal/eventfeed"
	"github.com/ternarybob/dagleader/internal/jobstore"
	"github.com/ternarybob/dagleader/internal/leader"
	"github.com/ternarybob/dagleader/internal/servicemanager"
	"github.com/ternarybob/dagleader/internal/statsagg"
)

// configPaths is a custom flag type that allows multiple -config flags.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles   configPaths
	rootJobID     = flag.String("root-job", "", "Job Store ID of the root job to run (required)")
	jobStorePath  = flag.String("jobstore-path", "", "Job Store directory (overrides config)")
	workerCommand = flag.String("worker-command", "", "Worker entry point command (overrides config)")
	showVersion   = flag.Bool("version", false, "Print version information")
	showVersionV  = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Leader version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if *rootJobID == "" {
		fmt.Fprintln(os.Stderr, "leader: -root-job is required")
		os.Exit(2)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	if len(configFiles) == 0 {
		if _, err := os.Stat("leader.toml"); err == nil {
			configFiles = append(configFiles, "leader.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, *jobStorePath, *workerCommand)

	logger := common.SetupLogger(config)
	common.PrintBanner(config, *rootJobID, logger)

	if config.BatchSystem.WorkerCommand == "" {
		logger.Fatal().Msg("No worker command configured; set batchsystem.worker_command or -worker-command")
	}

	store, err := jobstore.Open(config.JobStore.Path, config.JobStore.ResetOnStartup, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", config.JobStore.Path).Msg("Failed to open Job Store")
	}
	defer store.Close()

	batch := batchsystem.NewLocalBatchSystem(config.BatchSystem.WorkerCommand, config.BatchSystem.MaxConcurrent, logger)
	service := servicemanager.New(store, logger)
	stats := statsagg.New(store, logger)

	if config.Scaler.Enabled {
		logger.Fatal().Msg("Cluster Scaler is enabled but no Provisioner backend is wired into this build; disable scaler.enabled or build against a Provisioner implementation")
	}

	var events *eventfeed.Feed
	if config.EventFeed.Enabled {
		events = eventfeed.New(config.EventFeed.Addr, logger)
	}

	l, err := leader.New(store, batch, service, stats, nil, events, config.Leader, config.JobStore.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to construct leader")
	}

	resultCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runResult{err: fmt.Errorf("leader run panicked: %v", r)}
			}
		}()
		outcome, err := l.Run(*rootJobID)
		resultCh <- runResult{outcome: outcome, err: err}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var result runResult
	select {
	case result = <-resultCh:
	case <-sigChan:
		logger.Warn().Msg("Interrupt received; the control-plane loop does not support mid-run cancellation, waiting for the current step to settle")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		select {
		case result = <-resultCh:
		case <-ctx.Done():
			logger.Fatal().Msg("Timed out waiting for the leader to stop after interrupt")
		}
	}

	common.PrintShutdownBanner(logger)

	if result.err != nil {
		logger.Fatal().Err(result.err).Msg("Leader run failed")
	}

	if !result.outcome.Success {
		logger.Error().Int("failed_jobs", result.outcome.NumberOfFailedJobs).Msg("Run completed with failed jobs")
		for _, fj := range result.outcome.FailedJobs {
			logger.Error().Str("job_id", fj.JobStoreID).Strs("log_tail", fj.LogLines).Msg("Job failed")
		}
		os.Exit(1)
	}

	logger.Info().Str("return_value", string(result.outcome.ReturnValue)).Msg("Run completed successfully")
}

type runResult struct {
	outcome *leader.RunOutcome
	err     error
}
