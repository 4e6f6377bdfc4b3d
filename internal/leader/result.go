package leader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ternarybob/dagleader/internal/jobstore"
)

// rootReturnValueFile is the shared file name the worker writes the root
// job's serialized return value to.
const rootReturnValueFile = "rootJobReturnValue"

// rootReturnFormat is the only envelope format version this Leader
// understands. The reference implementation pickles the return value;
// that is a language-specific artifact, so a versioned JSON envelope is
// used instead (§9 Design Notes).
const rootReturnFormat = "json/v1"

type rootReturnEnvelope struct {
	Format string          `json:"format"`
	Value  json.RawMessage `json:"value"`
}

// EncodeRootReturnValue wraps value in the versioned envelope a worker
// must write to rootJobReturnValue for the Leader to pick up on exit.
func EncodeRootReturnValue(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("leader: failed to marshal root return value: %w", err)
	}
	return json.Marshal(rootReturnEnvelope{Format: rootReturnFormat, Value: raw})
}

// FailedJobReport carries one totally-failed job's ID and, where
// available, the tail of its worker log, bounded by
// LeaderConfig.MaxFailedJobLogLines.
type FailedJobReport struct {
	JobStoreID string
	LogLines   []string
}

// RunOutcome is the run-boundary result: either the deserialized root
// return value on a clean run, or a per-job failure report, mirroring
// the reference implementation's FailedJobsException as a result value
// instead of an exception (§9 Design Notes).
type RunOutcome struct {
	Success            bool
	ReturnValue        json.RawMessage
	JobStoreLocator    string
	NumberOfFailedJobs int
	FailedJobs         []FailedJobReport
}

func (l *Leader) buildOutcome(rootJobID string) (*RunOutcome, error) {
	// A checkpoint restart (handleTaintedJob) can remove a previously
	// totally-failed descendant's JobRecord from the Job Store before the
	// run ends; nothing un-marks its ID out of totalFailedJobs, so filter
	// against existence before reporting, mirroring the reference leader's
	// filter(self.jobStore.exists, self.toilState.totalFailedJobs) pass.
	failed := make(map[string]struct{})
	for id := range l.ts.TotalFailedJobs() {
		if l.store.Exists(id) {
			failed[id] = struct{}{}
		}
	}
	if len(failed) == 0 {
		value, err := l.readRootReturnValue()
		if err != nil {
			return nil, fmt.Errorf("leader: failed to deserialize root return value: %w", err)
		}
		return &RunOutcome{
			Success:         true,
			ReturnValue:     value,
			JobStoreLocator: l.jobStoreLocator,
		}, nil
	}

	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	reports := make([]FailedJobReport, 0, len(ids))
	for _, id := range ids {
		reports = append(reports, l.buildFailedJobReport(id))
	}

	return &RunOutcome{
		Success:            false,
		JobStoreLocator:    l.jobStoreLocator,
		NumberOfFailedJobs: len(failed),
		FailedJobs:         reports,
	}, nil
}

func (l *Leader) readRootReturnValue() (json.RawMessage, error) {
	r, err := l.store.ReadSharedFileStream(rootReturnValueFile)
	if err != nil {
		if errors.Is(err, jobstore.ErrNoSuchFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", rootReturnValueFile, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rootReturnValueFile, err)
	}

	var envelope rootReturnEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse %s envelope: %w", rootReturnValueFile, err)
	}
	if envelope.Format != rootReturnFormat {
		return nil, fmt.Errorf("unsupported root return value format %q", envelope.Format)
	}
	return envelope.Value, nil
}

func (l *Leader) buildFailedJobReport(jobID string) FailedJobReport {
	report := FailedJobReport{JobStoreID: jobID}

	record, err := l.store.Load(jobID)
	if err != nil || !record.HasLogFile {
		return report
	}

	data, err := l.store.ReadLogFile(record.LogJobStoreFileID)
	if err != nil {
		return report
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if max := l.cfg.MaxFailedJobLogLines; max > 0 && len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	report.LogLines = lines
	return report
}
