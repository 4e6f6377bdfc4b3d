package leader

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dagleader/internal/batchsystem"
	"github.com/ternarybob/dagleader/internal/common"
	"github.com/ternarybob/dagleader/internal/jobrecord"
	"github.com/ternarybob/dagleader/internal/jobstore"
	"github.com/ternarybob/dagleader/internal/servicemanager"
	"github.com/ternarybob/dagleader/internal/statsagg"
	"github.com/ternarybob/dagleader/internal/toilstate"
)

// recordingBatch is a BatchSystem test double that records issuance and
// kills but never completes anything on its own; tests drive completion
// manually via processFinishedJob, giving precise control over ordering.
type recordingBatch struct {
	mu         sync.Mutex
	nextID     int
	issued     map[string]string
	running    map[string]time.Duration
	killed     []string
	hideIssued bool
}

func newRecordingBatch() *recordingBatch {
	return &recordingBatch{issued: make(map[string]string)}
}

func (b *recordingBatch) IssueBatchJob(command string, memory int64, cores float64, disk int64, preemptable bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("bs-%d", b.nextID)
	b.issued[id] = command
	return id, nil
}

func (b *recordingBatch) KillBatchJobs(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, ids...)
	for _, id := range ids {
		delete(b.issued, id)
	}
}

func (b *recordingBatch) GetIssuedBatchJobIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hideIssued {
		return nil
	}
	ids := make([]string, 0, len(b.issued))
	for id := range b.issued {
		ids = append(ids, id)
	}
	return ids
}

func (b *recordingBatch) GetRunningBatchJobIDs() map[string]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]time.Duration, len(b.running))
	for k, v := range b.running {
		out[k] = v
	}
	return out
}

func (b *recordingBatch) GetUpdatedBatchJob(timeout time.Duration) (*batchsystem.UpdatedJob, error) {
	return nil, nil
}

func (b *recordingBatch) Shutdown() error { return nil }

// autoBatch completes every issued job immediately, simulating a worker
// that runs synchronously: on success it mutates the Job Store exactly as
// a real worker would (clearing the consumed command, dropping successors
// that no longer exist, deleting the record once nothing remains), before
// reporting the completion back.
type autoBatch struct {
	mu          sync.Mutex
	nextID      int
	completions chan batchsystem.UpdatedJob
	resultFor   func(jobID string) int
	store       *jobstore.MemoryStore
}

func newAutoBatch(store *jobstore.MemoryStore, resultFor func(string) int) *autoBatch {
	return &autoBatch{completions: make(chan batchsystem.UpdatedJob, 64), resultFor: resultFor, store: store}
}

func (b *autoBatch) IssueBatchJob(command string, memory int64, cores float64, disk int64, preemptable bool) (string, error) {
	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("bs-%d", b.nextID)
	b.mu.Unlock()

	parts := strings.Fields(command)
	jobID := parts[len(parts)-1]

	exit := 0
	if b.resultFor != nil {
		exit = b.resultFor(jobID)
	}
	if exit == 0 {
		simulateWorkerCompletion(b.store, jobID)
	}
	b.completions <- batchsystem.UpdatedJob{BatchJobID: id, ExitCode: exit}
	return id, nil
}

func (b *autoBatch) KillBatchJobs(ids []string)                        {}
func (b *autoBatch) GetIssuedBatchJobIDs() []string                    { return nil }
func (b *autoBatch) GetRunningBatchJobIDs() map[string]time.Duration   { return nil }
func (b *autoBatch) Shutdown() error                                   { return nil }
func (b *autoBatch) GetUpdatedBatchJob(timeout time.Duration) (*batchsystem.UpdatedJob, error) {
	select {
	case u := <-b.completions:
		return &u, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// simulateWorkerCompletion mirrors the contract an external worker must
// honor on a successful run: the consumed command is cleared, successors
// whose records are gone (already completed) are dropped from the stack
// along with any group left empty, and the record is deleted entirely once
// nothing (stack, services) remains.
func simulateWorkerCompletion(store *jobstore.MemoryStore, jobID string) {
	record, err := store.Load(jobID)
	if err != nil {
		return
	}
	record.HasCommand = false
	record.Command = ""
	var stack [][]jobrecord.SuccessorEdge
	for _, group := range record.Stack {
		var live []jobrecord.SuccessorEdge
		for _, e := range group {
			if store.Exists(e.SuccessorID) {
				live = append(live, e)
			}
		}
		if len(live) > 0 {
			stack = append(stack, live)
		}
	}
	record.Stack = stack
	if len(record.Stack) == 0 && len(record.Services) == 0 {
		store.Delete(jobID)
		return
	}
	store.Update(record)
}

func newTestLeader(t *testing.T, store jobstore.Store, batch batchsystem.BatchSystem, cfg common.LeaderConfig) *Leader {
	t.Helper()
	logger := arbor.NewLogger()
	sm := servicemanager.New(store, logger)
	agg := statsagg.New(store, logger)
	l, err := New(store, batch, sm, agg, nil, nil, cfg, "test-locator", logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// attachTrivialToilState gives l a valid, empty ToilState to mutate,
// without any scenario-specific scheduling state.
func attachTrivialToilState(t *testing.T, l *Leader, store *jobstore.MemoryStore) {
	t.Helper()
	store.Put(&jobrecord.JobRecord{JobStoreID: "ts-root", HasCommand: true, Command: "noop", RemainingRetryCount: 1})
	ts, err := toilstate.Build(store, "ts-root", nil)
	if err != nil {
		t.Fatalf("toilstate.Build: %v", err)
	}
	l.ts = ts
	l.ts.DrainUpdatedJobs()
}

func TestProcessUpdatedJob_Case3_ReissuesJobWithCommand(t *testing.T) {
	store := jobstore.NewMemoryStore()
	j := &jobrecord.JobRecord{JobStoreID: "J", HasCommand: true, Command: "run", RemainingRetryCount: 2, Memory: 100}
	store.Put(j)

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})
	attachTrivialToilState(t, l, store)

	if err := l.processUpdatedJob(j, 0); err != nil {
		t.Fatalf("processUpdatedJob: %v", err)
	}
	if len(l.issuedBatchJobs) != 1 {
		t.Fatalf("expected job reissued to the batch system, got %d issued", len(l.issuedBatchJobs))
	}
}

func TestProcessUpdatedJob_Case3_ServiceJobWithoutErrorFlag_TotallyFails(t *testing.T) {
	store := jobstore.NewMemoryStore()
	svc := &jobrecord.JobRecord{
		JobStoreID: "S", HasCommand: true, Command: "serve",
		RemainingRetryCount: 2, IsService: true,
		ErrorJobStoreID: "err-S", StartJobStoreID: "start-S",
	}
	store.Put(svc)

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})
	attachTrivialToilState(t, l, store)

	if err := l.processUpdatedJob(svc, 0); err != nil {
		t.Fatalf("processUpdatedJob: %v", err)
	}
	if _, failed := l.ts.TotalFailedJobs()["S"]; !failed {
		t.Error("expected a service job whose error flag is missing to be totally failed")
	}
}

func TestProcessUpdatedJob_Case4_RegistersServicesAndSchedules(t *testing.T) {
	store := jobstore.NewMemoryStore()
	owner := &jobrecord.JobRecord{
		JobStoreID: "OWNER",
		Services: [][]jobrecord.ServiceEdge{{
			{ServiceID: "SVC1", Memory: 10, StartFlagID: "start-1", TerminateFlagID: "term-1", ErrorFlagID: "err-1"},
		}},
	}
	store.Put(owner)

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})
	attachTrivialToilState(t, l, store)

	if err := l.processUpdatedJob(owner, 0); err != nil {
		t.Fatalf("processUpdatedJob: %v", err)
	}
	if !l.ts.HasServicesIssued("OWNER") {
		t.Error("expected services to be registered against the owner")
	}
	if _, pending := l.awaitingServices["OWNER"]; !pending {
		t.Error("expected owner to be marked awaiting services")
	}
}

func TestProcessUpdatedJob_Case7_ReissuesWhenRetriesRemain(t *testing.T) {
	store := jobstore.NewMemoryStore()
	j := &jobrecord.JobRecord{JobStoreID: "J", RemainingRetryCount: 1, Memory: 500}
	store.Put(j)

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})
	attachTrivialToilState(t, l, store)

	if err := l.processUpdatedJob(j, 0); err != nil {
		t.Fatalf("processUpdatedJob: %v", err)
	}
	if len(l.issuedBatchJobs) != 1 {
		t.Fatalf("expected a cleanup reissue, got %d issued", len(l.issuedBatchJobs))
	}
	if j.RemainingRetryCount != 0 || !j.Preemptable {
		t.Error("expected retries decremented and preemptable set on the cleanup reissue")
	}
}

func TestProcessUpdatedJob_Case7_TotallyFailsWhenRetriesExhausted(t *testing.T) {
	store := jobstore.NewMemoryStore()
	j := &jobrecord.JobRecord{JobStoreID: "J", RemainingRetryCount: 0}
	store.Put(j)

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})
	attachTrivialToilState(t, l, store)

	if err := l.processUpdatedJob(j, 0); err != nil {
		t.Fatalf("processUpdatedJob: %v", err)
	}
	if _, failed := l.ts.TotalFailedJobs()["J"]; !failed {
		t.Error("expected a job with no remaining retries to be totally failed")
	}
}

func TestHandleTaintedJob_LiveServices_ErrorKills(t *testing.T) {
	store := jobstore.NewMemoryStore()
	owner := &jobrecord.JobRecord{JobStoreID: "OWNER"}
	store.Put(owner)
	store.PutFile("term-1", []byte("x"))
	store.PutFile("err-1", []byte("x"))

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})
	attachTrivialToilState(t, l, store)

	l.ts.MarkHasFailedSuccessors("OWNER")
	l.ts.RegisterService("OWNER", jobrecord.ServiceEdge{ServiceID: "SVC1", TerminateFlagID: "term-1", ErrorFlagID: "err-1"}, owner)

	if err := l.processUpdatedJob(owner, 0); err != nil {
		t.Fatalf("processUpdatedJob: %v", err)
	}
	if store.FileExists("term-1") || store.FileExists("err-1") {
		t.Error("expected both terminate and error flags deleted on an error-kill")
	}
}

func TestHandleTaintedJob_Checkpoint_Reissues(t *testing.T) {
	store := jobstore.NewMemoryStore()
	j := &jobrecord.JobRecord{JobStoreID: "J", Checkpoint: "orig-cmd", HasCheckpoint: true, RemainingRetryCount: 2}
	store.Put(j)

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})
	attachTrivialToilState(t, l, store)

	l.ts.MarkHasFailedSuccessors("J")

	if err := l.processUpdatedJob(j, 0); err != nil {
		t.Fatalf("processUpdatedJob: %v", err)
	}
	if j.Command != "orig-cmd" || !j.HasCommand {
		t.Error("expected checkpoint restart to restore the original command")
	}
	if j.RemainingRetryCount != 1 {
		t.Error("expected checkpoint restart to consume a retry")
	}
	if len(l.issuedBatchJobs) != 1 {
		t.Error("expected checkpoint restart to reissue the job")
	}
}

// TestProcessTotallyFailedJob_PropagatesTaintUpward mirrors the "failure
// taints siblings-of-descendants" scenario: R -> A -> {B, C}, C fails
// outright (zero retries); B keeps running and, once it completes, A is
// re-examined and found totally failed, tainting R in turn.
func TestProcessTotallyFailedJob_PropagatesTaintUpward(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.Put(&jobrecord.JobRecord{
		JobStoreID:          "R",
		Stack:               [][]jobrecord.SuccessorEdge{{{SuccessorID: "A"}}},
		RemainingRetryCount: 2,
	})
	store.Put(&jobrecord.JobRecord{
		JobStoreID:          "A",
		Stack:               [][]jobrecord.SuccessorEdge{{{SuccessorID: "B"}, {SuccessorID: "C"}}},
		RemainingRetryCount: 2,
	})
	store.Put(&jobrecord.JobRecord{
		JobStoreID: "B", HasCommand: true, Command: "b", RemainingRetryCount: 2,
	})
	store.Put(&jobrecord.JobRecord{
		JobStoreID: "C", HasCommand: true, Command: "c", RemainingRetryCount: 0,
	})

	batch := newRecordingBatch()
	l := newTestLeader(t, store, batch, common.LeaderConfig{})

	ts, err := toilstate.Build(store, "R", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	l.ts = ts

	drained := l.ts.DrainUpdatedJobs()
	if len(drained) != 2 {
		t.Fatalf("expected B and C ready after build, got %d", len(drained))
	}
	for _, uj := range drained {
		if err := l.processUpdatedJob(uj.Job, uj.ResultStatus); err != nil {
			t.Fatalf("processUpdatedJob(%s): %v", uj.Job.JobStoreID, err)
		}
	}

	if _, failed := l.ts.TotalFailedJobs()["C"]; !failed {
		t.Fatal("expected C to be totally failed (zero retries)")
	}
	if !l.ts.HasFailedSuccessors("A") {
		t.Fatal("expected A to be tainted by C's failure")
	}

	var bBatchID string
	for id := range batch.issued {
		bBatchID = id
	}
	if bBatchID == "" {
		t.Fatal("expected B to have been reissued to the batch system")
	}

	simulateWorkerCompletion(store, "B")
	if err := l.processFinishedJob(bBatchID, 0, 0, false); err != nil {
		t.Fatalf("processFinishedJob: %v", err)
	}

	drained = l.ts.DrainUpdatedJobs()
	if len(drained) != 1 || drained[0].Job.JobStoreID != "A" {
		t.Fatalf("expected A re-examined after B completed, got %+v", drained)
	}
	if err := l.processUpdatedJob(drained[0].Job, drained[0].ResultStatus); err != nil {
		t.Fatalf("processUpdatedJob(A): %v", err)
	}

	if _, failed := l.ts.TotalFailedJobs()["A"]; !failed {
		t.Error("expected A to be totally failed once re-examined with no checkpoint")
	}
	if !l.ts.HasFailedSuccessors("R") {
		t.Error("expected R to be tainted once A is totally failed")
	}
}

func TestReissueMissingJobs_KillsAfterThreshold(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.Put(&jobrecord.JobRecord{JobStoreID: "J", HasCommand: true, Command: "j", RemainingRetryCount: 0})

	batch := newRecordingBatch()
	batch.hideIssued = true

	l := newTestLeader(t, store, batch, common.LeaderConfig{KillAfterNMissing: 2})
	attachTrivialToilState(t, l, store)
	l.issuedBatchJobs["bs-1"] = "J"

	if clear := l.reissueMissingJobs(); clear {
		t.Fatal("expected the job to still be considered missing after the first scan")
	}
	if clear := l.reissueMissingJobs(); !clear {
		t.Fatal("expected the job to be killed and cleared on reaching the threshold")
	}

	if len(batch.killed) != 1 || batch.killed[0] != "bs-1" {
		t.Fatalf("expected bs-1 killed, got %v", batch.killed)
	}
	if _, tracked := l.issuedBatchJobs["bs-1"]; tracked {
		t.Error("expected the killed job removed from the tracked-issued set")
	}

	drained := l.ts.DrainUpdatedJobs()
	if len(drained) != 1 || drained[0].ResultStatus != 1 {
		t.Fatalf("expected the killed job re-enqueued with a failing result, got %+v", drained)
	}
}

func TestReissueOverLongJobs_KillsOverrunningJobs(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.Put(&jobrecord.JobRecord{JobStoreID: "J", HasCommand: true, Command: "j", RemainingRetryCount: 0})

	batch := newRecordingBatch()
	batch.running = map[string]time.Duration{"bs-1": 2 * time.Hour}

	l := newTestLeader(t, store, batch, common.LeaderConfig{MaxJobDuration: time.Hour})
	attachTrivialToilState(t, l, store)
	l.issuedBatchJobs["bs-1"] = "J"

	l.reissueOverLongJobs()

	if len(batch.killed) != 1 || batch.killed[0] != "bs-1" {
		t.Fatalf("expected the overrunning job killed, got %v", batch.killed)
	}
}

func TestReissueOverLongJobs_SuppressedByVeryHighMaxDuration(t *testing.T) {
	store := jobstore.NewMemoryStore()
	batch := newRecordingBatch()
	batch.running = map[string]time.Duration{"bs-1": 365 * 24 * time.Hour}

	l := newTestLeader(t, store, batch, common.LeaderConfig{MaxJobDuration: suppressRescueDuration})
	attachTrivialToilState(t, l, store)
	l.issuedBatchJobs["bs-1"] = "J"

	l.reissueOverLongJobs()

	if len(batch.killed) != 0 {
		t.Errorf("expected rescue suppressed at a very high max job duration, got %v killed", batch.killed)
	}
}

// TestRun_LinearChain is scenario S1: a root with a single leaf
// successor and no checkpoints. After the successor and the root's own
// bookkeeping pass both complete cleanly, the run succeeds with no
// failed jobs.
func TestRun_LinearChain(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.Put(&jobrecord.JobRecord{
		JobStoreID:          "R",
		Stack:               [][]jobrecord.SuccessorEdge{{{SuccessorID: "A", Memory: 1, Cores: 1, Disk: 1}}},
		RemainingRetryCount: 1,
	})
	store.Put(&jobrecord.JobRecord{
		JobStoreID: "A", HasCommand: true, Command: "a", RemainingRetryCount: 1,
	})

	batch := newAutoBatch(store, nil) // nil resultFor => every job succeeds
	l := newTestLeader(t, store, batch, common.LeaderConfig{PollTimeout: 50 * time.Millisecond, RescueFrequency: time.Hour})

	outcome, err := l.Run("R")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected a successful run, got %d failed jobs", outcome.NumberOfFailedJobs)
	}
}

// TestRun_MissingJobIsRescued is scenario S6: a job the batch system
// stops reporting is killed after killAfterNMissing rescue cycles and
// ends the run as failed, since the kill consumes its only retry. The
// second rescue cycle runs 60s after the first, because a job still
// flagged missing pushes the next rescue pass forward by that much.
func TestRun_MissingJobIsRescued(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.Put(&jobrecord.JobRecord{
		JobStoreID: "R", HasCommand: true, Command: "r", RemainingRetryCount: 1,
	})

	batch := newRecordingBatch()
	batch.hideIssued = true

	l := newTestLeader(t, store, batch, common.LeaderConfig{
		PollTimeout:       10 * time.Millisecond,
		RescueFrequency:   10 * time.Millisecond,
		KillAfterNMissing: 2,
	})

	outcome, err := l.Run("R")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Success {
		t.Fatal("expected the run to fail once the missing job is killed with no retries left")
	}
	if outcome.NumberOfFailedJobs != 1 {
		t.Errorf("expected exactly one failed job, got %d", outcome.NumberOfFailedJobs)
	}
	if len(batch.killed) != 1 {
		t.Errorf("expected the missing job to be killed once, got %v", batch.killed)
	}
}
