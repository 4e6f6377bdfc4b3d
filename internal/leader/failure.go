package leader

import (
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/dagleader/internal/jobrecord"
	"github.com/ternarybob/dagleader/internal/jobstore"
	"github.com/ternarybob/dagleader/internal/servicemanager"
)

// suppressRescueDuration disables reissueOverLongJobs entirely when
// configured as the max job duration, per §4.5.
const suppressRescueDuration = 10_000_000 * time.Second

// processFinishedJob reaps one Batch System completion event.
func (l *Leader) processFinishedJob(bsID string, result int, wallTime time.Duration, hasWallTime bool) error {
	jobID, tracked := l.issuedBatchJobs[bsID]
	if !tracked {
		l.logger.Warn().Str("bs_id", bsID).Msg("Ignoring completion for an already-reaped batch job")
		return nil
	}
	delete(l.issuedBatchJobs, bsID)

	if hasWallTime && l.cluster != nil {
		l.cluster.AddCompletedJob(wallTime)
	}

	if !l.store.Exists(jobID) {
		// Ghost job: the worker deleted its own record on success, or the
		// backend is reporting a stale listing. Either way treat it as a
		// clean removal.
		return l.updatePredecessorStatus(jobID)
	}

	record, err := l.store.Load(jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNoSuchJob) {
			return l.updatePredecessorStatus(jobID)
		}
		return fmt.Errorf("leader: failed to load finished job %s: %w", jobID, err)
	}

	if record.HasLogFile {
		data, logErr := l.store.ReadLogFile(record.LogJobStoreFileID)
		switch {
		case logErr != nil:
			l.logger.Warn().Err(logErr).Str("job_id", jobID).Msg("Failed to read job log")
		case result != 0:
			l.logger.Warn().Str("job_id", jobID).Msg(string(data))
		default:
			l.logger.Info().Str("job_id", jobID).Msg(string(data))
		}
	}

	if result != 0 {
		l.setupJobAfterFailure(record)
		if err := l.store.Update(record); err != nil {
			return fmt.Errorf("leader: failed to persist job %s after failure: %w", jobID, err)
		}
		l.publish("failed", jobID, fmt.Sprintf("exit=%d", result))
	} else {
		if l.ts.HasFailedSuccessors(jobID) {
			l.ts.ClearHasFailedSuccessors(jobID)
		}
		l.publish("completed", jobID, "")
	}

	l.ts.Enqueue(record, result)
	return nil
}

// setupJobAfterFailure consumes one retry against a job whose own run
// just failed.
func (l *Leader) setupJobAfterFailure(record *jobrecord.JobRecord) {
	if record.RemainingRetryCount > 0 {
		record.RemainingRetryCount--
	}
}

// updatePredecessorStatus reports jobID's completion to whatever was
// waiting on it: its owning job (if it was a service) or its scheduling
// predecessors (if it was a regular successor).
func (l *Leader) updatePredecessorStatus(jobID string) error {
	if owner, ok := l.ts.ServiceOwner(jobID); ok {
		_, nowEmpty, _ := l.ts.RemoveService(jobID)
		if nowEmpty {
			l.ts.Enqueue(owner, 0)
		}
		return nil
	}

	preds := l.ts.PopPredecessors(jobID)
	if len(preds) == 0 {
		// Either the root job (no predecessors by construction) or a job
		// already torn down through another path; nothing further to do.
		return nil
	}

	for _, p := range preds {
		if l.ts.DecrementSuccessorCount(p.JobStoreID) {
			p.PopStack()
			l.ts.Enqueue(p, 0)
		}
	}
	return nil
}

// processTotallyFailedJob marks J terminal and propagates the failure:
// for a service job, to its owner; otherwise up the DAG via the
// failure-subtree walk and J's own predecessors.
func (l *Leader) processTotallyFailedJob(j *jobrecord.JobRecord) error {
	l.ts.MarkTotallyFailed(j.JobStoreID)
	l.publish("failed", j.JobStoreID, "exhausted retries")

	if j.IsService {
		owner, hasOwner := l.ts.ServiceOwner(j.JobStoreID)

		if err := l.updatePredecessorStatus(j.JobStoreID); err != nil {
			return err
		}
		if err := l.store.DeleteFile(j.StartJobStoreID); err != nil {
			l.logger.Warn().Err(err).Str("job_id", j.JobStoreID).Msg("Failed to delete service start flag")
		}

		if hasOwner {
			if remaining := l.ts.ServicesIssued(owner.JobStoreID); len(remaining) > 0 {
				l.service.KillServices(remaining, servicemanager.Error)
			}
			l.ts.MarkHasFailedSuccessors(owner.JobStoreID)
		}
		return nil
	}

	tainted, err := l.walkFailureSubtree(j)
	if err != nil {
		return err
	}
	for _, s := range tainted {
		for _, p := range l.ts.PopPredecessors(s) {
			l.ts.MarkHasFailedSuccessors(p.JobStoreID)
			if l.ts.DecrementSuccessorCount(p.JobStoreID) {
				l.ts.Enqueue(p, 0)
			}
		}
	}

	for _, p := range l.ts.PeekPredecessors(j.JobStoreID) {
		l.ts.MarkHasFailedSuccessors(p.JobStoreID)
	}
	return l.updatePredecessorStatus(j.JobStoreID)
}

// walkFailureSubtree implements getSuccessors from §4.3: a depth-first
// walk over every group of j.Stack (not just the top, since a subtree
// failure invalidates every remaining phase), deduplicated against the
// run-wide failedSuccessors set.
func (l *Leader) walkFailureSubtree(root *jobrecord.JobRecord) ([]string, error) {
	var tainted []string
	stack := []*jobrecord.JobRecord{root}

	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, group := range j.Stack {
			for _, edge := range group {
				if l.ts.FailedSuccessorsSeen(edge.SuccessorID) {
					continue
				}
				l.ts.MarkFailedSuccessorSeen(edge.SuccessorID)
				tainted = append(tainted, edge.SuccessorID)

				if !l.store.Exists(edge.SuccessorID) {
					continue
				}
				succ, err := l.store.Load(edge.SuccessorID)
				if err != nil {
					if errors.Is(err, jobstore.ErrNoSuchJob) {
						continue
					}
					return nil, fmt.Errorf("leader: failed to load descendant %s during failure walk: %w", edge.SuccessorID, err)
				}
				stack = append(stack, succ)
			}
		}
	}
	return tainted, nil
}

// reissueOverLongJobs kills any running job whose wall time exceeds the
// configured maximum, unless rescue is suppressed via a very large
// duration.
func (l *Leader) reissueOverLongJobs() {
	if l.cfg.MaxJobDuration >= suppressRescueDuration {
		return
	}

	var kill []string
	for bsID, dur := range l.batch.GetRunningBatchJobIDs() {
		if dur > l.cfg.MaxJobDuration {
			kill = append(kill, bsID)
		}
	}
	if len(kill) > 0 {
		l.logger.Warn().Int("count", len(kill)).Dur("max_job_duration", l.cfg.MaxJobDuration).Msg("Killing overrun jobs")
		l.killJobs(kill)
	}
}

// reissueMissingJobs kills any batch-system job the Leader has issued but
// that the backend has stopped reporting for killAfterNMissing
// consecutive rescue cycles. Returns true iff nothing is currently
// flagged missing.
func (l *Leader) reissueMissingJobs() bool {
	issued := make(map[string]struct{})
	for _, id := range l.batch.GetIssuedBatchJobIDs() {
		issued[id] = struct{}{}
	}

	var kill []string
	for bsID := range l.issuedBatchJobs {
		if _, ok := issued[bsID]; ok {
			delete(l.missingHash, bsID)
			continue
		}
		l.missingHash[bsID]++
		l.publishMissing(bsID, l.missingHash[bsID])
		if l.missingHash[bsID] >= l.cfg.KillAfterNMissing {
			kill = append(kill, bsID)
		}
	}

	if len(kill) > 0 {
		l.logger.Warn().Int("count", len(kill)).Msg("Killing jobs missing from the batch system")
		l.killJobs(kill)
		for _, id := range kill {
			delete(l.missingHash, id)
		}
	}
	return len(l.missingHash) == 0
}

// killJobs instructs the Batch System to kill ids and synthesizes a
// failed completion for each, since a killed job may never surface its
// own completion event.
func (l *Leader) killJobs(ids []string) {
	l.batch.KillBatchJobs(ids)
	for _, id := range ids {
		if err := l.processFinishedJob(id, 1, 0, false); err != nil {
			l.logger.Error().Err(err).Str("bs_id", id).Msg("Failed to process a killed job")
		}
	}
}
