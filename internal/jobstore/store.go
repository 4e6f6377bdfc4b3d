// Package jobstore defines the Job Store interface the Leader consumes
// and a Badger-backed implementation of it.
package jobstore

import (
	"errors"
	"io"

	"github.com/ternarybob/dagleader/internal/jobrecord"
)

// ErrNoSuchJob is returned by Load when jobID has no record — the job
// either never existed or was deleted by a worker on successful completion.
var ErrNoSuchJob = errors.New("jobstore: no such job")

// ErrNoSuchFile is returned when a flag/log file ID has no backing blob.
var ErrNoSuchFile = errors.New("jobstore: no such file")

// Store is the durable key/value + file store holding JobRecords and log
// artifacts. Implementations must be safe for concurrent use: the Leader,
// the Stats aggregator, and workers all reach it concurrently.
type Store interface {
	// Load fetches a JobRecord by ID. Returns ErrNoSuchJob if absent.
	Load(jobID string) (*jobrecord.JobRecord, error)

	// Update persists a JobRecord's current in-memory state.
	Update(record *jobrecord.JobRecord) error

	// Exists reports whether jobID currently has a record. Some backends
	// may report true on a stale listing even after the underlying record
	// is gone ("ghost job"); callers must tolerate a subsequent Load
	// returning ErrNoSuchJob for an ID Exists reported as present.
	Exists(jobID string) bool

	// Delete removes a JobRecord.
	Delete(jobID string) error

	// FileExists reports whether a flag or log file ID currently has a
	// backing blob. Used for service start/terminate/error flag polling.
	FileExists(fileID string) bool

	// DeleteFile removes a flag or log file's backing blob. Deleting a
	// terminate/error flag signals a service worker to stop.
	DeleteFile(fileID string) error

	// ReadSharedFileStream opens a read-only handle to a named shared
	// file, such as rootJobReturnValue. Caller must Close it.
	ReadSharedFileStream(name string) (io.ReadCloser, error)

	// WriteSharedFile writes (overwriting) a named shared file's content.
	WriteSharedFile(name string, data []byte) error

	// ReadLogFile reads a job's log blob referenced by fileID, for
	// emission to the operator's logger on failure.
	ReadLogFile(fileID string) ([]byte, error)

	// ReadStatsAndLogging invokes callback once per pending stats/log blob
	// and returns the number processed. Used by the Stats aggregator.
	ReadStatsAndLogging(callback func(io.Reader) error) (int, error)

	// WriteStatsAndLogging appends a finalization record, such as the
	// aggregator's {total_time, total_clock} summary.
	WriteStatsAndLogging(text string) error

	// Close releases underlying resources.
	Close() error
}
