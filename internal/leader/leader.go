// Package leader implements the Leader's single-threaded scheduling loop:
// the control plane that walks a DAG of JobRecords, issues ready work to
// the Batch System, stages services, and rescues stuck jobs, per §4.2.
package leader

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dagleader/internal/batchsystem"
	"github.com/ternarybob/dagleader/internal/common"
	"github.com/ternarybob/dagleader/internal/eventfeed"
	"github.com/ternarybob/dagleader/internal/jobstore"
	"github.com/ternarybob/dagleader/internal/scaler"
	"github.com/ternarybob/dagleader/internal/servicemanager"
	"github.com/ternarybob/dagleader/internal/statsagg"
	"github.com/ternarybob/dagleader/internal/toilstate"
)

// Leader is the control plane for one workflow run. It owns a ToilState
// exclusively and is the only component that mutates it; the auxiliary
// collaborators (Service Manager, Stats Aggregator, optional Scaler) run
// alongside on their own goroutines and communicate back through bounded
// channels and shared counters.
type Leader struct {
	store   jobstore.Store
	batch   batchsystem.BatchSystem
	service *servicemanager.ServiceManager
	stats   *statsagg.Aggregator
	cluster *scaler.Scaler // nil when the Cluster Scaler is disabled
	events  *eventfeed.Feed // nil when the event feed is disabled

	cfg    common.LeaderConfig
	logger arbor.ILogger

	jobStoreLocator string

	ts *toilstate.ToilState

	// issuedBatchJobs maps a batch-system job ID to the JobRecord ID it
	// was issued for. Entries are removed as completions are reaped.
	issuedBatchJobs map[string]string

	// awaitingServices is the jobsWithServicesBeingStarted set: JobRecord
	// IDs currently held by the Service Manager, awaiting its ready queue.
	awaitingServices map[string]struct{}

	// missingHash counts consecutive rescue cycles in which a tracked
	// batch-system job ID was absent from the backend's issued list.
	missingHash map[string]int

	rescueSchedule cron.Schedule
	nextRescueAt   time.Time
}

// New constructs a Leader. jobStoreLocator is embedded in every issued
// worker command line so the worker process can reach the same Job Store.
// cluster and events may be nil to disable the optional Cluster Scaler and
// websocket observability feed respectively.
func New(
	store jobstore.Store,
	batch batchsystem.BatchSystem,
	service *servicemanager.ServiceManager,
	stats *statsagg.Aggregator,
	cluster *scaler.Scaler,
	events *eventfeed.Feed,
	cfg common.LeaderConfig,
	jobStoreLocator string,
	logger arbor.ILogger,
) (*Leader, error) {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(fmt.Sprintf("@every %s", cfg.RescueFrequency))
	if err != nil {
		return nil, fmt.Errorf("leader: invalid rescue schedule: %w", err)
	}

	return &Leader{
		store:            store,
		batch:            batch,
		service:          service,
		stats:            stats,
		cluster:          cluster,
		events:           events,
		cfg:              cfg,
		logger:           logger,
		jobStoreLocator:  jobStoreLocator,
		issuedBatchJobs:  make(map[string]string),
		awaitingServices: make(map[string]struct{}),
		missingHash:      make(map[string]int),
		rescueSchedule:   schedule,
	}, nil
}

// Run drives the scheduling loop to completion for rootJobID and returns
// the run's outcome. It starts the auxiliary threads before looping and
// shuts them down, in reverse creation order, before returning.
func (l *Leader) Run(rootJobID string) (*RunOutcome, error) {
	ts, err := toilstate.Build(l.store, rootJobID, nil)
	if err != nil {
		return nil, fmt.Errorf("leader: failed to build toil state for root %s: %w", rootJobID, err)
	}
	l.ts = ts
	l.nextRescueAt = time.Now().Add(l.cfg.RescueFrequency)

	l.service.Start()
	l.stats.Start()
	if l.cluster != nil {
		if err := l.cluster.Start(); err != nil {
			l.service.Shutdown()
			return nil, fmt.Errorf("leader: failed to start cluster scaler: %w", err)
		}
	}
	if l.events != nil {
		if err := l.events.Start(); err != nil {
			l.logger.Warn().Err(err).Msg("Event feed failed to start; continuing without it")
			l.events = nil
		}
	}

	runErr := l.loop()

	l.shutdownAuxiliaries()

	if runErr != nil {
		return nil, runErr
	}

	if err := l.ts.Close(); err != nil {
		return nil, fmt.Errorf("leader: invariant violation at shutdown: %w", err)
	}

	return l.buildOutcome(rootJobID)
}

func (l *Leader) loop() error {
	for !l.exitCondition() {
		if err := l.stepA(); err != nil {
			return err
		}
		if err := l.stepB(); err != nil {
			return err
		}
		if err := l.stepC(); err != nil {
			return err
		}
		if err := l.stepD(); err != nil {
			return err
		}
		if err := l.stepE(); err != nil {
			return err
		}
	}
	return nil
}

// exitCondition reports the loop's termination condition from §4.2: no
// queued jobs, nothing issued to the Batch System, nothing in flight with
// the Service Manager.
func (l *Leader) exitCondition() bool {
	return len(l.ts.UpdatedJobs()) == 0 &&
		len(l.issuedBatchJobs) == 0 &&
		l.service.InFlight() == 0
}

// shutdownAuxiliaries stops the three auxiliary threads in reverse
// creation order, in a nested guarantee block so every one of them is
// stopped even if an earlier Shutdown call panics.
func (l *Leader) shutdownAuxiliaries() {
	if l.events != nil {
		if err := l.events.Shutdown(); err != nil {
			l.logger.Warn().Err(err).Msg("Event feed shutdown reported an error")
		}
	}
	defer l.service.Shutdown()
	defer l.stats.Shutdown()
	if l.cluster != nil {
		defer func() {
			if err := l.cluster.Shutdown(); err != nil {
				l.logger.Warn().Err(err).Msg("Cluster scaler shutdown reported an error")
			}
		}()
	}
}

// stepE is the health check: if any auxiliary thread has died, fail fast.
func (l *Leader) stepE() error {
	if err := l.stats.Check(); err != nil {
		return fmt.Errorf("leader: stats aggregator died: %w", err)
	}
	if err := l.service.Check(); err != nil {
		return fmt.Errorf("leader: service manager died: %w", err)
	}
	if l.cluster != nil {
		if err := l.cluster.Check(); err != nil {
			return fmt.Errorf("leader: cluster scaler died: %w", err)
		}
	}
	return nil
}
