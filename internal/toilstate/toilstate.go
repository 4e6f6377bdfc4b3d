// Package toilstate reconstructs and maintains the Leader's in-memory DAG
// snapshot and scheduling indices from a persistent Job Store.
package toilstate

import (
	"fmt"

	"github.com/ternarybob/dagleader/internal/jobrecord"
	"github.com/ternarybob/dagleader/internal/jobstore"
)

// UpdatedJob pairs a JobRecord with the exit status of its last run (0 for
// jobs entering the loop fresh, i.e. never executed this pass).
type UpdatedJob struct {
	Job          *jobrecord.JobRecord
	ResultStatus int
}

// ToilState is the Leader's derived, mutable, in-memory DAG snapshot. It
// is owned exclusively by the Leader's single-threaded loop; no method
// here is safe for concurrent use.
type ToilState struct {
	// successorToPredecessors maps a successor ID to the ordered list of
	// predecessor JobRecords that have scheduled it but not yet seen it
	// finish. Order is traversal/arrival order, not a set.
	successorToPredecessors map[string][]*jobrecord.JobRecord

	// successorCounts maps a job ID to the number of its successors still
	// pending. A job is absent from the map iff it has zero pending
	// successors.
	successorCounts map[string]int

	// serviceToPredecessor maps a service ID to its owning JobRecord.
	serviceToPredecessor map[string]*jobrecord.JobRecord

	// servicesIssued maps an owning job ID to the set of service IDs
	// issued on its behalf, each with its flag-file triple.
	servicesIssued map[string]map[string]jobrecord.ServiceEdge

	// updatedJobs holds jobs ready for the loop to advance this
	// iteration.
	updatedJobs []UpdatedJob

	// totalFailedJobs is the set of job IDs that exhausted retries or
	// were otherwise declared terminal.
	totalFailedJobs map[string]struct{}

	// hasFailedSuccessors is the set of job IDs known to have at least
	// one transitively failed descendant.
	hasFailedSuccessors map[string]struct{}

	// failedSuccessors is the set of job IDs already visited by the
	// failure-subtree walk, deduplicating work across the whole run.
	failedSuccessors map[string]struct{}

	// joinPending maps a successor ID to its JobRecord while it awaits
	// additional predecessors, holding the loaded record between partial
	// visits.
	joinPending map[string]*jobrecord.JobRecord
}

func newEmpty() *ToilState {
	return &ToilState{
		successorToPredecessors: make(map[string][]*jobrecord.JobRecord),
		successorCounts:         make(map[string]int),
		serviceToPredecessor:    make(map[string]*jobrecord.JobRecord),
		servicesIssued:          make(map[string]map[string]jobrecord.ServiceEdge),
		totalFailedJobs:         make(map[string]struct{}),
		hasFailedSuccessors:     make(map[string]struct{}),
		failedSuccessors:        make(map[string]struct{}),
		joinPending:             make(map[string]*jobrecord.JobRecord),
	}
}

// Build reconstructs a ToilState by a depth-first traversal from rootJob,
// per §4.1. jobCache is an optional jobID → JobRecord map consulted before
// falling back to store.Load; it is also populated with loaded records as
// traversal needs them so callers can reuse it.
func Build(store jobstore.Store, rootID string, jobCache map[string]*jobrecord.JobRecord) (*ToilState, error) {
	ts := newEmpty()
	if jobCache == nil {
		jobCache = make(map[string]*jobrecord.JobRecord)
	}

	load := func(id string) (*jobrecord.JobRecord, error) {
		if j, ok := jobCache[id]; ok {
			return j, nil
		}
		j, err := store.Load(id)
		if err != nil {
			return nil, err
		}
		jobCache[id] = j
		return j, nil
	}

	root, err := load(rootID)
	if err != nil {
		return nil, fmt.Errorf("toilstate: failed to load root job %s: %w", rootID, err)
	}

	if err := ts.visit(root, load); err != nil {
		return nil, err
	}
	return ts, nil
}

// visit processes one node per §4.1's "for each visited J" rule.
func (ts *ToilState) visit(j *jobrecord.JobRecord, load func(string) (*jobrecord.JobRecord, error)) error {
	if j.IsRunnableLeaf() {
		j.RestoreFromCheckpoint()
		ts.updatedJobs = append(ts.updatedJobs, UpdatedJob{Job: j, ResultStatus: 0})
		return nil
	}

	top := j.StackTop()
	ts.successorCounts[j.JobStoreID] = len(top)

	for _, edge := range top {
		preds, seen := ts.successorToPredecessors[edge.SuccessorID]
		if !seen {
			ts.successorToPredecessors[edge.SuccessorID] = []*jobrecord.JobRecord{j}

			succ, err := load(edge.SuccessorID)
			if err != nil {
				return fmt.Errorf("toilstate: failed to load successor %s: %w", edge.SuccessorID, err)
			}

			if edge.PredecessorID != nil {
				ts.joinPending[edge.SuccessorID] = succ
				if err := ts.processJoin(succ, *edge.PredecessorID, load); err != nil {
					return err
				}
			} else {
				if err := ts.visit(succ, load); err != nil {
					return err
				}
			}
			continue
		}

		ts.successorToPredecessors[edge.SuccessorID] = append(preds, j)
		if cached, pending := ts.joinPending[edge.SuccessorID]; pending {
			predID := j.JobStoreID
			if edge.PredecessorID != nil {
				predID = *edge.PredecessorID
			}
			if err := ts.processJoin(cached, predID, load); err != nil {
				return err
			}
		}
	}

	return nil
}

// processJoin implements process-join(S) from §4.1: records predID as
// finished against S and, once S has reached its required predecessor
// count, removes it from joinPending and recurses into it.
func (ts *ToilState) processJoin(s *jobrecord.JobRecord, predID string, load func(string) (*jobrecord.JobRecord, error)) error {
	if s.PredecessorsFinished == nil {
		s.PredecessorsFinished = make(map[string]struct{})
	}
	s.PredecessorsFinished[predID] = struct{}{}

	if len(s.PredecessorsFinished) < s.PredecessorNumber {
		return nil
	}

	delete(ts.joinPending, s.JobStoreID)
	return ts.visit(s, load)
}

// UpdatedJobs returns a copy of the jobs currently queued for the loop to
// advance.
func (ts *ToilState) UpdatedJobs() []UpdatedJob {
	out := make([]UpdatedJob, len(ts.updatedJobs))
	copy(out, ts.updatedJobs)
	return out
}

// DrainUpdatedJobs snapshots and empties updatedJobs atomically, per the
// "drain updated jobs" rule in §4.2 Step A and the ordering guarantee in
// §5 that newly queued entries are deferred to the next iteration.
func (ts *ToilState) DrainUpdatedJobs() []UpdatedJob {
	drained := ts.updatedJobs
	ts.updatedJobs = nil
	return drained
}

// Enqueue adds a job to updatedJobs for the next drain.
func (ts *ToilState) Enqueue(j *jobrecord.JobRecord, resultStatus int) {
	ts.updatedJobs = append(ts.updatedJobs, UpdatedJob{Job: j, ResultStatus: resultStatus})
}

// SuccessorCount returns the pending successor count for jobID (0 if
// absent).
func (ts *ToilState) SuccessorCount(jobID string) int {
	return ts.successorCounts[jobID]
}

// SetSuccessorCount records n pending successors for jobID, removing the
// key entirely when n reaches zero (Invariant 2).
func (ts *ToilState) SetSuccessorCount(jobID string, n int) {
	if n <= 0 {
		delete(ts.successorCounts, jobID)
		return
	}
	ts.successorCounts[jobID] = n
}

// DecrementSuccessorCount decrements jobID's pending successor count and
// reports whether it has reached zero (and was therefore removed).
func (ts *ToilState) DecrementSuccessorCount(jobID string) bool {
	n := ts.successorCounts[jobID] - 1
	if n <= 0 {
		delete(ts.successorCounts, jobID)
		return true
	}
	ts.successorCounts[jobID] = n
	return false
}

// HasPendingSuccessors reports whether jobID currently has at least one
// pending successor.
func (ts *ToilState) HasPendingSuccessors(jobID string) bool {
	_, ok := ts.successorCounts[jobID]
	return ok
}

// PopPredecessors removes and returns the predecessor list recorded
// against succID.
func (ts *ToilState) PopPredecessors(succID string) []*jobrecord.JobRecord {
	preds := ts.successorToPredecessors[succID]
	delete(ts.successorToPredecessors, succID)
	return preds
}

// AppendPredecessor records j as a predecessor of succID.
func (ts *ToilState) AppendPredecessor(succID string, j *jobrecord.JobRecord) {
	ts.successorToPredecessors[succID] = append(ts.successorToPredecessors[succID], j)
}

// RemovePredecessor drops j from succID's predecessor list, removing the
// key entirely if the list becomes empty. Reports whether the key was
// removed.
func (ts *ToilState) RemovePredecessor(succID string, j *jobrecord.JobRecord) bool {
	preds := ts.successorToPredecessors[succID]
	for i, p := range preds {
		if p.JobStoreID == j.JobStoreID {
			preds = append(preds[:i], preds[i+1:]...)
			break
		}
	}
	if len(preds) == 0 {
		delete(ts.successorToPredecessors, succID)
		return true
	}
	ts.successorToPredecessors[succID] = preds
	return false
}

// PeekPredecessors returns succID's recorded predecessor list without
// removing it.
func (ts *ToilState) PeekPredecessors(succID string) []*jobrecord.JobRecord {
	return ts.successorToPredecessors[succID]
}

// IsJoinPending reports whether succID is currently awaiting additional
// predecessors.
func (ts *ToilState) IsJoinPending(succID string) bool {
	_, ok := ts.joinPending[succID]
	return ok
}

// PutJoinPending records succ as awaiting additional predecessors.
func (ts *ToilState) PutJoinPending(succ *jobrecord.JobRecord) {
	ts.joinPending[succ.JobStoreID] = succ
}

// GetJoinPending returns the record held against succID, if any.
func (ts *ToilState) GetJoinPending(succID string) (*jobrecord.JobRecord, bool) {
	j, ok := ts.joinPending[succID]
	return j, ok
}

// PopJoinPending removes and returns the record held against succID.
func (ts *ToilState) PopJoinPending(succID string) (*jobrecord.JobRecord, bool) {
	j, ok := ts.joinPending[succID]
	delete(ts.joinPending, succID)
	return j, ok
}

// RegisterService records J as the owner of a newly issued service and
// its flag-file triple.
func (ts *ToilState) RegisterService(ownerID string, edge jobrecord.ServiceEdge, owner *jobrecord.JobRecord) {
	if ts.servicesIssued[ownerID] == nil {
		ts.servicesIssued[ownerID] = make(map[string]jobrecord.ServiceEdge)
	}
	ts.servicesIssued[ownerID][edge.ServiceID] = edge
	ts.serviceToPredecessor[edge.ServiceID] = owner
}

// ServicesIssued returns the live services issued on jobID's behalf.
func (ts *ToilState) ServicesIssued(jobID string) map[string]jobrecord.ServiceEdge {
	return ts.servicesIssued[jobID]
}

// HasServicesIssued reports whether jobID currently owns any live
// services.
func (ts *ToilState) HasServicesIssued(jobID string) bool {
	m, ok := ts.servicesIssued[jobID]
	return ok && len(m) > 0
}

// DropServicesIssued removes jobID's services-issued entry entirely.
func (ts *ToilState) DropServicesIssued(jobID string) {
	delete(ts.servicesIssued, jobID)
}

// ServiceOwner returns the JobRecord that owns serviceID, if tracked.
func (ts *ToilState) ServiceOwner(serviceID string) (*jobrecord.JobRecord, bool) {
	j, ok := ts.serviceToPredecessor[serviceID]
	return j, ok
}

// RemoveService drops serviceID from its owner's issued-services set and
// from serviceToPredecessor, reporting the owner ID and whether the owner
// now has zero live services remaining.
func (ts *ToilState) RemoveService(serviceID string) (ownerID string, nowEmpty bool, ok bool) {
	owner, found := ts.serviceToPredecessor[serviceID]
	if !found {
		return "", false, false
	}
	delete(ts.serviceToPredecessor, serviceID)

	ownerID = owner.JobStoreID
	if set, exists := ts.servicesIssued[ownerID]; exists {
		delete(set, serviceID)
		if len(set) == 0 {
			delete(ts.servicesIssued, ownerID)
			nowEmpty = true
		}
	}
	return ownerID, nowEmpty, true
}

// MarkHasFailedSuccessors adds jobID to the set of jobs known to have a
// transitively failed descendant.
func (ts *ToilState) MarkHasFailedSuccessors(jobID string) {
	ts.hasFailedSuccessors[jobID] = struct{}{}
}

// HasFailedSuccessors reports whether jobID is tainted.
func (ts *ToilState) HasFailedSuccessors(jobID string) bool {
	_, ok := ts.hasFailedSuccessors[jobID]
	return ok
}

// ClearHasFailedSuccessors removes jobID's taint, used when a checkpoint
// restart gives a tainted subtree a fresh chance.
func (ts *ToilState) ClearHasFailedSuccessors(jobID string) {
	delete(ts.hasFailedSuccessors, jobID)
}

// MarkTotallyFailed adds jobID to totalFailedJobs.
func (ts *ToilState) MarkTotallyFailed(jobID string) {
	ts.totalFailedJobs[jobID] = struct{}{}
}

// TotalFailedJobs returns the current set of totally failed job IDs.
func (ts *ToilState) TotalFailedJobs() map[string]struct{} {
	return ts.totalFailedJobs
}

// FailedSuccessorsSeen reports whether jobID has already been visited by
// the failure-subtree walk.
func (ts *ToilState) FailedSuccessorsSeen(jobID string) bool {
	_, ok := ts.failedSuccessors[jobID]
	return ok
}

// MarkFailedSuccessorSeen records jobID as visited by the failure-subtree
// walk.
func (ts *ToilState) MarkFailedSuccessorSeen(jobID string) {
	ts.failedSuccessors[jobID] = struct{}{}
}

// Quiescent reports whether the loop's exit condition is met from
// ToilState's perspective: no queued jobs and no jobs with pending
// successors or live services remain tracked.
func (ts *ToilState) Quiescent() bool {
	return len(ts.updatedJobs) == 0 &&
		len(ts.successorCounts) == 0 &&
		len(ts.successorToPredecessors) == 0 &&
		len(ts.serviceToPredecessor) == 0 &&
		len(ts.servicesIssued) == 0
}

// Close enforces the clean-termination invariant from §3: on exit
// updatedJobs, successorCounts, successorToPredecessors,
// serviceToPredecessor and servicesIssued must all be empty, otherwise it
// returns an error. joinPending and hasFailedSuccessors are not checked.
func (ts *ToilState) Close() error {
	if !ts.Quiescent() {
		return fmt.Errorf(
			"toilstate: non-empty on close: updatedJobs=%d successorCounts=%d successorToPredecessors=%d serviceToPredecessor=%d servicesIssued=%d",
			len(ts.updatedJobs), len(ts.successorCounts), len(ts.successorToPredecessors),
			len(ts.serviceToPredecessor), len(ts.servicesIssued))
	}
	return nil
}
