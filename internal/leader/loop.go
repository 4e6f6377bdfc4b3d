package leader

import (
	"fmt"
	"time"

	"github.com/ternarybob/dagleader/internal/eventfeed"
	"github.com/ternarybob/dagleader/internal/jobrecord"
	"github.com/ternarybob/dagleader/internal/servicemanager"
)

// stepA drains updatedJobs and processes each entry per the seven cases
// of §4.2 Step A, first matching case wins.
func (l *Leader) stepA() error {
	for _, uj := range l.ts.DrainUpdatedJobs() {
		if err := l.processUpdatedJob(uj.Job, uj.ResultStatus); err != nil {
			return err
		}
	}
	return nil
}

func (l *Leader) processUpdatedJob(j *jobrecord.JobRecord, resultStatus int) error {
	// Case 1: service-start pending.
	if _, pending := l.awaitingServices[j.JobStoreID]; pending {
		return nil
	}

	// Case 2: subtree has failed successors.
	if l.ts.HasFailedSuccessors(j.JobStoreID) {
		return l.handleTaintedJob(j)
	}

	// Case 3: has command, or the previous run failed.
	if j.HasCommand || resultStatus != 0 {
		errorFlagGone := j.IsService && !l.store.FileExists(j.ErrorJobStoreID)
		if errorFlagGone || j.RemainingRetryCount == 0 {
			return l.processTotallyFailedJob(j)
		}
		return l.reissueJob(j)
	}

	// Case 4: has services pending start.
	if len(j.Services) > 0 {
		if l.ts.HasServicesIssued(j.JobStoreID) {
			return fmt.Errorf("leader: job %s already has services issued", j.JobStoreID)
		}
		for _, group := range j.Services {
			for _, svc := range group {
				l.ts.RegisterService(j.JobStoreID, svc, j)
			}
		}
		l.awaitingServices[j.JobStoreID] = struct{}{}
		l.service.ScheduleServices(j)
		return nil
	}

	// Case 5: has successors.
	if len(j.Stack) > 0 {
		return l.scheduleSuccessors(j)
	}

	// Case 6: services to tear down.
	if l.ts.HasServicesIssued(j.JobStoreID) {
		l.service.KillServices(l.ts.ServicesIssued(j.JobStoreID), servicemanager.Clean)
		l.ts.DropServicesIssued(j.JobStoreID)
		return nil
	}

	// Case 7: empty cleanup.
	if j.RemainingRetryCount > 0 {
		j.RemainingRetryCount--
		j.Memory = 0
		j.Cores = 0
		j.Disk = 0
		j.Preemptable = true
		return l.reissueJob(j)
	}
	return l.processTotallyFailedJob(j)
}

// handleTaintedJob implements Step A case 2: J.id is already known to have
// a transitively failed descendant.
func (l *Leader) handleTaintedJob(j *jobrecord.JobRecord) error {
	if l.ts.HasServicesIssued(j.JobStoreID) {
		l.service.KillServices(l.ts.ServicesIssued(j.JobStoreID), servicemanager.Error)
		return nil
	}
	if l.ts.HasPendingSuccessors(j.JobStoreID) {
		return nil
	}
	if j.HasCheckpoint && j.RemainingRetryCount > 0 {
		j.RemainingRetryCount--
		j.RestoreFromCheckpoint()
		return l.reissueJob(j)
	}
	return l.processTotallyFailedJob(j)
}

// scheduleSuccessors implements Step A case 5: pop J's top successor
// group, track join bookkeeping, and issue every successor that becomes
// ready this turn to the Batch System.
func (l *Leader) scheduleSuccessors(j *jobrecord.JobRecord) error {
	top := j.PopStack()
	l.ts.SetSuccessorCount(j.JobStoreID, len(top))

	var ready []jobrecord.SuccessorEdge

	for _, edge := range top {
		l.ts.AppendPredecessor(edge.SuccessorID, j)

		if edge.PredecessorID == nil {
			ready = append(ready, edge)
			continue
		}

		succ, cached := l.ts.GetJoinPending(edge.SuccessorID)
		if !cached {
			loaded, err := l.store.Load(edge.SuccessorID)
			if err != nil {
				return fmt.Errorf("leader: failed to load join successor %s: %w", edge.SuccessorID, err)
			}
			l.ts.PutJoinPending(loaded)
			succ = loaded
		}
		reached := succ.MarkPredecessorFinished(*edge.PredecessorID)

		if l.ts.FailedSuccessorsSeen(edge.SuccessorID) {
			l.ts.MarkHasFailedSuccessors(j.JobStoreID)
			l.ts.RemovePredecessor(edge.SuccessorID, j)
			if l.ts.DecrementSuccessorCount(j.JobStoreID) {
				l.ts.Enqueue(j, 0)
			}
			continue
		}

		if !reached {
			continue
		}

		l.ts.PopJoinPending(edge.SuccessorID)
		ready = append(ready, edge)
	}

	for _, edge := range ready {
		if err := l.issueSuccessor(edge); err != nil {
			return err
		}
	}
	return nil
}

func (l *Leader) issueSuccessor(edge jobrecord.SuccessorEdge) error {
	command := l.workerCommand(edge.SuccessorID)
	bsID, err := l.batch.IssueBatchJob(command, edge.Memory, edge.Cores, edge.Disk, edge.Preemptable)
	if err != nil {
		return fmt.Errorf("leader: failed to issue successor %s: %w", edge.SuccessorID, err)
	}
	l.issuedBatchJobs[bsID] = edge.SuccessorID
	l.publish("issued", edge.SuccessorID, "")
	return nil
}

// reissueJob resubmits J itself to the Batch System using its own
// stored resource request, used by every retry/checkpoint/cleanup path.
func (l *Leader) reissueJob(j *jobrecord.JobRecord) error {
	command := l.workerCommand(j.JobStoreID)
	bsID, err := l.batch.IssueBatchJob(command, j.Memory, j.Cores, j.Disk, j.Preemptable)
	if err != nil {
		return fmt.Errorf("leader: failed to reissue job %s: %w", j.JobStoreID, err)
	}
	l.issuedBatchJobs[bsID] = j.JobStoreID
	l.publish("reissued", j.JobStoreID, "")
	return nil
}

func (l *Leader) workerCommand(jobID string) string {
	return fmt.Sprintf("%s %s", l.jobStoreLocator, jobID)
}

func (l *Leader) publish(eventType, jobID, detail string) {
	if l.events == nil {
		return
	}
	l.events.Publish(eventfeed.JobEvent{Type: eventType, JobID: jobID, Timestamp: time.Now(), Detail: detail})
}

// publishMissing reports a batch job's current consecutive-missing-cycle
// count to the event feed, letting observers watch a job approach
// KillAfterNMissing before reissueMissingJobs actually kills it.
func (l *Leader) publishMissing(bsID string, streak int) {
	if l.events == nil {
		return
	}
	l.events.Publish(eventfeed.JobEvent{
		Type:              "missing",
		JobID:             bsID,
		Timestamp:         time.Now(),
		MissingJobsStreak: streak,
	})
}

// stepB non-blockingly drains the Service Manager's start queue and hands
// each service to the Batch System as a regular, non-preemptable job.
func (l *Leader) stepB() error {
	for {
		start, ok := l.service.TryGetServiceJobsToStart()
		if !ok {
			return nil
		}
		command := l.workerCommand(start.Service.ServiceID)
		bsID, err := l.batch.IssueBatchJob(command, start.Service.Memory, start.Service.Cores, start.Service.Disk, false)
		if err != nil {
			return fmt.Errorf("leader: failed to issue service %s: %w", start.Service.ServiceID, err)
		}
		l.issuedBatchJobs[bsID] = start.Service.ServiceID
		l.publish("service_issued", start.Service.ServiceID, "owner="+start.OwnerJobID)
	}
}

// stepC non-blockingly drains the Service Manager's ready queue: every
// job whose services are now all running is cleared of its service
// groups and re-enqueued for the next iteration's Step A.
func (l *Leader) stepC() error {
	for {
		j, ok := l.service.TryGetJobWhoseServicesAreRunning()
		if !ok {
			return nil
		}
		j.Services = nil
		delete(l.awaitingServices, j.JobStoreID)
		l.ts.Enqueue(j, 0)
	}
}

// stepD polls the Batch System for the next completion with a bounded
// wait, and on timeout runs the rescue pass if it is due.
func (l *Leader) stepD() error {
	update, err := l.batch.GetUpdatedBatchJob(l.cfg.PollTimeout)
	if err != nil {
		return fmt.Errorf("leader: batch system poll failed: %w", err)
	}

	if update != nil {
		if _, tracked := l.issuedBatchJobs[update.BatchJobID]; tracked {
			return l.processFinishedJob(update.BatchJobID, update.ExitCode, update.WallTime, update.HasWallTime)
		}
		l.logger.Warn().Str("bs_id", update.BatchJobID).Msg("Ignoring completion event for an untracked batch job")
		return nil
	}

	now := time.Now()
	if now.Before(l.nextRescueAt) {
		return nil
	}

	l.reissueOverLongJobs()
	allClear := l.reissueMissingJobs()
	if allClear {
		l.nextRescueAt = l.rescueSchedule.Next(now)
	} else {
		l.nextRescueAt = now.Add(60 * time.Second)
	}
	return nil
}
