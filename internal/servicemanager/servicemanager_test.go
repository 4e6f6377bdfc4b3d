package servicemanager

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dagleader/internal/jobrecord"
	"github.com/ternarybob/dagleader/internal/jobstore"
)

// newTestManager constructs a ServiceManager with the normal 1s poll
// interval; tests that must not wait on it leave the start flag absent, so
// the liveness check passes without a poll.
func newTestManager(store jobstore.Store) *ServiceManager {
	return New(store, arbor.NewLogger())
}

func TestScheduleServices_SingleGroup_RunsToReady(t *testing.T) {
	store := jobstore.NewMemoryStore()
	sm := newTestManager(store)
	sm.Start()
	defer sm.Shutdown()

	j := jobrecord.New("job-1")
	j.Services = [][]jobrecord.ServiceEdge{{
		{ServiceID: "svc-1", StartFlagID: "start-1", TerminateFlagID: "term-1", ErrorFlagID: "err-1"},
	}}
	// Flag file does not exist, so the liveness poll sees it as already
	// "up" immediately (the running worker deleted it).

	sm.ScheduleServices(j)

	start, ok := sm.GetServiceJobsToStart(2 * time.Second)
	if !ok {
		t.Fatal("expected a service start request")
	}
	if start.Service.ServiceID != "svc-1" {
		t.Errorf("expected svc-1, got %s", start.Service.ServiceID)
	}

	ready, ok := sm.GetJobWhoseServicesAreRunning(2 * time.Second)
	if !ok {
		t.Fatal("expected job to become ready")
	}
	if ready.JobStoreID != "job-1" {
		t.Errorf("expected job-1, got %s", ready.JobStoreID)
	}
}

func TestScheduleServices_WaitsForFlagDisappearance(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.PutFile("start-1", []byte("up"))
	sm := newTestManager(store)
	sm.Start()
	defer sm.Shutdown()

	j := jobrecord.New("job-1")
	j.Services = [][]jobrecord.ServiceEdge{{
		{ServiceID: "svc-1", StartFlagID: "start-1", TerminateFlagID: "term-1", ErrorFlagID: "err-1"},
	}}
	sm.ScheduleServices(j)

	if _, ok := sm.GetServiceJobsToStart(2 * time.Second); !ok {
		t.Fatal("expected a service start request")
	}

	// Before the flag disappears, the job must not be ready.
	if _, ok := sm.GetJobWhoseServicesAreRunning(200 * time.Millisecond); ok {
		t.Fatal("job became ready before its start flag disappeared")
	}

	store.DeleteFile("start-1")

	if _, ok := sm.GetJobWhoseServicesAreRunning(3 * time.Second); !ok {
		t.Fatal("expected job to become ready after flag disappeared")
	}
}

func TestInFlight_CountsOwnerPlusServices(t *testing.T) {
	store := jobstore.NewMemoryStore()
	sm := newTestManager(store)
	sm.Start()
	defer sm.Shutdown()

	j := jobrecord.New("job-1")
	j.Services = [][]jobrecord.ServiceEdge{
		{
			{ServiceID: "svc-1", StartFlagID: "start-1"},
			{ServiceID: "svc-2", StartFlagID: "start-2"},
		},
	}
	sm.ScheduleServices(j)

	if got := sm.InFlight(); got != 3 {
		t.Fatalf("expected inFlight=3 (2 services + owner), got %d", got)
	}

	sm.GetServiceJobsToStart(2 * time.Second)
	sm.GetServiceJobsToStart(2 * time.Second)
	if got := sm.InFlight(); got != 1 {
		t.Fatalf("expected inFlight=1 after draining both starts, got %d", got)
	}

	sm.GetJobWhoseServicesAreRunning(2 * time.Second)
	if got := sm.InFlight(); got != 0 {
		t.Fatalf("expected inFlight=0 after job ready, got %d", got)
	}
}

func TestKillServices_DeletesFlagsByReason(t *testing.T) {
	store := jobstore.NewMemoryStore()
	store.PutFile("term-1", []byte("x"))
	store.PutFile("err-1", []byte("x"))
	sm := newTestManager(store)

	services := map[string]jobrecord.ServiceEdge{
		"svc-1": {ServiceID: "svc-1", TerminateFlagID: "term-1", ErrorFlagID: "err-1"},
	}

	sm.KillServices(services, Clean)
	if store.FileExists("term-1") {
		t.Error("expected terminate flag to be deleted on clean teardown")
	}
	if !store.FileExists("err-1") {
		t.Error("expected error flag to survive a clean teardown")
	}

	store.PutFile("term-1", []byte("x"))
	sm.KillServices(services, Error)
	if store.FileExists("term-1") || store.FileExists("err-1") {
		t.Error("expected both flags deleted on error teardown")
	}
}

func TestShutdown_StopsWorkerPromptly(t *testing.T) {
	store := jobstore.NewMemoryStore()
	sm := newTestManager(store)
	sm.Start()

	done := make(chan struct{})
	go func() {
		sm.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return promptly")
	}
}
