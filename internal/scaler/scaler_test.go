package scaler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

type fakeProvisioner struct {
	mu            sync.Mutex
	started       bool
	shutdown      bool
	checkErr      error
	checkCalls    int
	completedJobs []time.Duration
}

func (f *fakeProvisioner) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeProvisioner) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakeProvisioner) Check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	return f.checkErr
}

func (f *fakeProvisioner) AddCompletedJob(wallTime time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedJobs = append(f.completedJobs, wallTime)
}

func (f *fakeProvisioner) setCheckErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkErr = err
}

func TestScaler_StartAndShutdown(t *testing.T) {
	fp := &fakeProvisioner{}
	s := New(fp, 50*time.Millisecond, arbor.NewLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !fp.started {
		t.Error("expected provisioner to be started")
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !fp.shutdown {
		t.Error("expected provisioner to be shut down")
	}
}

func TestScaler_SurfacesHealthCheckFailure(t *testing.T) {
	fp := &fakeProvisioner{}
	s := New(fp, 20*time.Millisecond, arbor.NewLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Shutdown()

	wantErr := errors.New("provisioner unreachable")
	fp.setCheckErr(wantErr)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := s.Check(); err != nil {
			if !errors.Is(err, wantErr) {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected Check() to surface the provisioner's health check failure")
}

func TestScaler_AddCompletedJob_Forwards(t *testing.T) {
	fp := &fakeProvisioner{}
	s := New(fp, time.Second, arbor.NewLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Shutdown()

	s.AddCompletedJob(5 * time.Second)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.completedJobs) != 1 || fp.completedJobs[0] != 5*time.Second {
		t.Errorf("expected completed job forwarded, got %v", fp.completedJobs)
	}
}
