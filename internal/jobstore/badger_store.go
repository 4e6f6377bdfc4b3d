package jobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dagleader/internal/common"
	"github.com/ternarybob/dagleader/internal/jobrecord"
)

// persistedRecord is the badgerhold-indexed representation of a
// jobrecord.JobRecord. badgerhold needs a concrete struct with a Key tag;
// the jobrecord package stays storage-agnostic so it carries none.
type persistedRecord struct {
	JobStoreID           string `badgerhold:"key"`
	Command              string
	HasCommand           bool
	Checkpoint           string
	HasCheckpoint        bool
	Stack                [][]jobrecord.SuccessorEdge
	Services             [][]jobrecord.ServiceEdge
	PredecessorNumber    int
	PredecessorsFinished map[string]struct{}
	RemainingRetryCount  int
	Memory               int64
	Cores                float64
	Disk                 int64
	Preemptable          bool
	LogJobStoreFileID    string
	HasLogFile           bool
	ErrorJobStoreID      string
	StartJobStoreID      string
	TerminateJobStoreID  string
	IsService            bool
}

// persistedFile tracks flag/log file blobs by ID, separately from
// JobRecords, mirroring the reference Job Store's split between record
// storage and shared-file storage.
type persistedFile struct {
	ID   string `badgerhold:"key"`
	Data []byte
}

type statsEntry struct {
	ID        string `badgerhold:"key"`
	Text      string
	WrittenAt time.Time `badgerhold:"index"`
}

// BadgerStore is the Badger/badgerhold-backed Job Store implementation.
// It is the durable store of record; JobRecords and shared files each get
// their own badgerhold type so indexed queries (stats draining) don't scan
// job records.
type BadgerStore struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	mu     sync.Mutex
}

// Open opens (or creates) a Badger database at path. If resetOnStartup is
// set, any existing database at path is wiped first — intended for tests
// and local development runs, never production restarts.
func Open(path string, resetOnStartup bool, logger arbor.ILogger) (*BadgerStore, error) {
	if resetOnStartup {
		if _, err := os.Stat(path); err == nil {
			logger.Debug().Str("path", path).Msg("Deleting existing job store (reset_on_startup=true)")
			if err := os.RemoveAll(path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Failed to delete job store directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Job store opened")

	return &BadgerStore{store: store, logger: logger}, nil
}

func toPersisted(j *jobrecord.JobRecord) *persistedRecord {
	return &persistedRecord{
		JobStoreID:           j.JobStoreID,
		Command:              j.Command,
		HasCommand:           j.HasCommand,
		Checkpoint:           j.Checkpoint,
		HasCheckpoint:        j.HasCheckpoint,
		Stack:                j.Stack,
		Services:             j.Services,
		PredecessorNumber:    j.PredecessorNumber,
		PredecessorsFinished: j.PredecessorsFinished,
		RemainingRetryCount:  j.RemainingRetryCount,
		Memory:               j.Memory,
		Cores:                j.Cores,
		Disk:                 j.Disk,
		Preemptable:          j.Preemptable,
		LogJobStoreFileID:    j.LogJobStoreFileID,
		HasLogFile:           j.HasLogFile,
		ErrorJobStoreID:      j.ErrorJobStoreID,
		StartJobStoreID:      j.StartJobStoreID,
		TerminateJobStoreID:  j.TerminateJobStoreID,
		IsService:            j.IsService,
	}
}

func fromPersisted(p *persistedRecord) *jobrecord.JobRecord {
	finished := p.PredecessorsFinished
	if finished == nil {
		finished = make(map[string]struct{})
	}
	return &jobrecord.JobRecord{
		JobStoreID:           p.JobStoreID,
		Command:              p.Command,
		HasCommand:           p.HasCommand,
		Checkpoint:           p.Checkpoint,
		HasCheckpoint:        p.HasCheckpoint,
		Stack:                p.Stack,
		Services:             p.Services,
		PredecessorNumber:    p.PredecessorNumber,
		PredecessorsFinished: finished,
		RemainingRetryCount:  p.RemainingRetryCount,
		Memory:               p.Memory,
		Cores:                p.Cores,
		Disk:                 p.Disk,
		Preemptable:          p.Preemptable,
		LogJobStoreFileID:    p.LogJobStoreFileID,
		HasLogFile:           p.HasLogFile,
		ErrorJobStoreID:      p.ErrorJobStoreID,
		StartJobStoreID:      p.StartJobStoreID,
		TerminateJobStoreID:  p.TerminateJobStoreID,
		IsService:            p.IsService,
	}
}

func (s *BadgerStore) Load(jobID string) (*jobrecord.JobRecord, error) {
	var p persistedRecord
	if err := s.store.Get(jobID, &p); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNoSuchJob
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return fromPersisted(&p), nil
}

func (s *BadgerStore) Update(record *jobrecord.JobRecord) error {
	p := toPersisted(record)
	if err := s.store.Upsert(record.JobStoreID, p); err != nil {
		return fmt.Errorf("failed to update job %s: %w", record.JobStoreID, err)
	}
	return nil
}

func (s *BadgerStore) Exists(jobID string) bool {
	var p persistedRecord
	err := s.store.Get(jobID, &p)
	return err == nil
}

func (s *BadgerStore) Delete(jobID string) error {
	err := s.store.Delete(jobID, &persistedRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *BadgerStore) FileExists(fileID string) bool {
	var f persistedFile
	err := s.store.Get(fileID, &f)
	return err == nil
}

func (s *BadgerStore) DeleteFile(fileID string) error {
	err := s.store.Delete(fileID, &persistedFile{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}
	return nil
}

func (s *BadgerStore) ReadSharedFileStream(name string) (io.ReadCloser, error) {
	var f persistedFile
	if err := s.store.Get(name, &f); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNoSuchFile
		}
		return nil, fmt.Errorf("failed to read shared file %s: %w", name, err)
	}
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}

func (s *BadgerStore) WriteSharedFile(name string, data []byte) error {
	f := &persistedFile{ID: name, Data: data}
	if err := s.store.Upsert(name, f); err != nil {
		return fmt.Errorf("failed to write shared file %s: %w", name, err)
	}
	return nil
}

func (s *BadgerStore) ReadLogFile(fileID string) ([]byte, error) {
	var f persistedFile
	if err := s.store.Get(fileID, &f); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNoSuchFile
		}
		return nil, fmt.Errorf("failed to read log file %s: %w", fileID, err)
	}
	return f.Data, nil
}

// ReadStatsAndLogging invokes callback once per pending stats/log blob and
// deletes each after a successful callback, returning the count processed.
func (s *BadgerStore) ReadStatsAndLogging(callback func(io.Reader) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []statsEntry
	if err := s.store.Find(&entries, badgerhold.Where("WrittenAt").Ge(time.Time{}).SortBy("WrittenAt")); err != nil {
		return 0, fmt.Errorf("failed to list stats entries: %w", err)
	}

	processed := 0
	for _, e := range entries {
		if err := callback(bytes.NewReader([]byte(e.Text))); err != nil {
			return processed, fmt.Errorf("stats callback failed on entry %s: %w", e.ID, err)
		}
		if err := s.store.Delete(e.ID, &statsEntry{}); err != nil && err != badgerhold.ErrNotFound {
			return processed, fmt.Errorf("failed to delete drained stats entry %s: %w", e.ID, err)
		}
		processed++
	}
	return processed, nil
}

func (s *BadgerStore) WriteStatsAndLogging(text string) error {
	e := &statsEntry{
		ID:        common.NewFileStoreID(),
		Text:      text,
		WrittenAt: time.Now(),
	}
	if err := s.store.Insert(e.ID, e); err != nil {
		return fmt.Errorf("failed to write stats record: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
