// Package jobrecord defines the persistent JobRecord node of the DAG and
// the small value types that travel along its edges.
package jobrecord

// SuccessorEdge is one entry of a successor group in JobRecord.Stack. A
// nil PredecessorID means the successor has exactly one predecessor (this
// job); a non-nil value marks a join node and carries the ID recorded
// against the join's PredecessorsFinished set: the ID of the predecessor
// that owns this edge, so that each predecessor counts once toward the
// join's PredecessorNumber.
type SuccessorEdge struct {
	SuccessorID   string
	Memory        int64
	Cores         float64
	Disk          int64
	Preemptable   bool
	PredecessorID *string
}

// ServiceEdge is one entry of a service group in JobRecord.Services.
type ServiceEdge struct {
	ServiceID       string
	Memory          int64
	Cores           float64
	Disk            int64
	StartFlagID     string
	TerminateFlagID string
	ErrorFlagID     string
}

// JobRecord is a persistent node in the DAG, identified by a stable
// JobStoreID. Instances are loaded from and written back to the Job
// Store; the Leader is the only component that mutates scheduling
// metadata (PredecessorsFinished, RemainingRetryCount, Command) in place.
type JobRecord struct {
	JobStoreID string

	// Command is the optional payload to execute; empty means "no work,
	// just navigation" through the DAG.
	Command string
	HasCommand bool

	// Checkpoint preserves the original command so a failed subtree can
	// be restarted from this job, consuming a retry.
	Checkpoint string
	HasCheckpoint bool

	// Stack is an ordered sequence of successor groups; Stack[len-1] is
	// the next group to schedule. Popping removes the last element.
	Stack [][]SuccessorEdge

	// Services is an ordered sequence of service groups brought up in
	// declaration order before this job's own work (if any) proceeds.
	Services [][]ServiceEdge

	PredecessorNumber    int
	PredecessorsFinished map[string]struct{}

	RemainingRetryCount int

	Memory      int64
	Cores       float64
	Disk        int64
	Preemptable bool

	LogJobStoreFileID string
	HasLogFile        bool

	// Only populated for service jobs.
	ErrorJobStoreID     string
	StartJobStoreID     string
	TerminateJobStoreID string
	IsService           bool
}

// New returns a JobRecord with its maps initialized, ready for the
// reconstruction walk or test fixtures to populate.
func New(id string) *JobRecord {
	return &JobRecord{
		JobStoreID:           id,
		PredecessorsFinished: make(map[string]struct{}),
	}
}

// StackTop returns the topmost (next-to-schedule) successor group, or nil
// if the stack is empty.
func (j *JobRecord) StackTop() []SuccessorEdge {
	if len(j.Stack) == 0 {
		return nil
	}
	return j.Stack[len(j.Stack)-1]
}

// PopStack removes and returns the topmost successor group.
func (j *JobRecord) PopStack() []SuccessorEdge {
	top := j.StackTop()
	if top == nil {
		return nil
	}
	j.Stack = j.Stack[:len(j.Stack)-1]
	return top
}

// IsRunnableLeaf reports whether J is directly runnable per §4.1: it has
// a command, a checkpoint, non-empty services, or an empty stack.
func (j *JobRecord) IsRunnableLeaf() bool {
	return j.HasCommand || j.HasCheckpoint || len(j.Services) > 0 || len(j.Stack) == 0
}

// RestoreFromCheckpoint implements the checkpoint restart-on-build rule:
// if a checkpoint is present, the command is reset to it.
func (j *JobRecord) RestoreFromCheckpoint() {
	if j.HasCheckpoint {
		j.Command = j.Checkpoint
		j.HasCommand = true
	}
}

// MarkPredecessorFinished records that predID has reported completion and
// reports whether the job has now reached its required predecessor count.
func (j *JobRecord) MarkPredecessorFinished(predID string) bool {
	if j.PredecessorsFinished == nil {
		j.PredecessorsFinished = make(map[string]struct{})
	}
	j.PredecessorsFinished[predID] = struct{}{}
	return len(j.PredecessorsFinished) >= j.PredecessorNumber
}
