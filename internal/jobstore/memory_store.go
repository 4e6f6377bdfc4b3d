package jobstore

import (
	"bytes"
	"io"
	"sync"

	"github.com/ternarybob/dagleader/internal/jobrecord"
)

// MemoryStore is an in-process Job Store used by unit tests for the
// reconstruction, Service Manager and Leader-loop packages, standing in
// for BadgerStore without a filesystem dependency.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*jobrecord.JobRecord
	files   map[string][]byte
	stats   []string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*jobrecord.JobRecord),
		files:   make(map[string][]byte),
	}
}

func cloneRecord(j *jobrecord.JobRecord) *jobrecord.JobRecord {
	cp := *j
	cp.PredecessorsFinished = make(map[string]struct{}, len(j.PredecessorsFinished))
	for k := range j.PredecessorsFinished {
		cp.PredecessorsFinished[k] = struct{}{}
	}
	cp.Stack = append([][]jobrecord.SuccessorEdge(nil), j.Stack...)
	cp.Services = append([][]jobrecord.ServiceEdge(nil), j.Services...)
	return &cp
}

// Put inserts or overwrites a record directly, for test fixture setup.
func (s *MemoryStore) Put(j *jobrecord.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[j.JobStoreID] = cloneRecord(j)
}

// PutFile inserts a flag/log file blob directly, for test fixture setup.
func (s *MemoryStore) PutFile(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = data
}

func (s *MemoryStore) Load(jobID string) (*jobrecord.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.records[jobID]
	if !ok {
		return nil, ErrNoSuchJob
	}
	return cloneRecord(j), nil
}

func (s *MemoryStore) Update(record *jobrecord.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.JobStoreID] = cloneRecord(record)
	return nil
}

func (s *MemoryStore) Exists(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[jobID]
	return ok
}

func (s *MemoryStore) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}

func (s *MemoryStore) FileExists(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[fileID]
	return ok
}

func (s *MemoryStore) DeleteFile(fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileID)
	return nil
}

func (s *MemoryStore) ReadSharedFileStream(name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, ErrNoSuchFile
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) WriteSharedFile(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
	return nil
}

func (s *MemoryStore) ReadLogFile(fileID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[fileID]
	if !ok {
		return nil, ErrNoSuchFile
	}
	return data, nil
}

func (s *MemoryStore) ReadStatsAndLogging(callback func(io.Reader) error) (int, error) {
	s.mu.Lock()
	pending := s.stats
	s.stats = nil
	s.mu.Unlock()

	for i, text := range pending {
		if err := callback(bytes.NewReader([]byte(text))); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

func (s *MemoryStore) WriteStatsAndLogging(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, text)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
