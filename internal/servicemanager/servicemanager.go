// Package servicemanager implements the Leader's asynchronous service
// staging subsystem (§4.4): it starts batched service dependencies,
// observes their liveness via shared flag files, and hands the owning job
// back to the Leader once every service has reached the running state.
package servicemanager

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dagleader/internal/jobrecord"
	"github.com/ternarybob/dagleader/internal/jobstore"
)

// ServiceStart is one service the Leader must hand to the Batch System.
type ServiceStart struct {
	OwnerJobID string
	Service    jobrecord.ServiceEdge
}

// TeardownReason distinguishes a clean shutdown (the dependent subtree
// succeeded) from an error shutdown (a descendant failed and the services
// are no longer useful). Behavior differs only in whether the error flag
// is also deleted.
type TeardownReason int

const (
	// Clean tears down services whose dependent subtree finished
	// successfully: only the terminate flag is deleted.
	Clean TeardownReason = iota
	// Error tears down services because a descendant failed: both the
	// terminate and error flags are deleted.
	Error
)

const livenessPollInterval = time.Second

// ServiceManager is the single background worker that stages service
// groups for jobs handed to it via ScheduleServices, in the order
// received.
type ServiceManager struct {
	store  jobstore.Store
	logger arbor.ILogger

	pendingMu sync.Mutex
	pendingCh chan struct{}
	pending   []*jobrecord.JobRecord

	startQueue chan ServiceStart
	readyQueue chan *jobrecord.JobRecord

	stopCh chan struct{}
	wg     sync.WaitGroup

	inFlight int64

	deadMu sync.Mutex
	dead   error
}

// New constructs a ServiceManager. Call Start to launch its worker.
func New(store jobstore.Store, logger arbor.ILogger) *ServiceManager {
	return &ServiceManager{
		store:      store,
		logger:     logger,
		pendingCh:  make(chan struct{}, 1),
		startQueue: make(chan ServiceStart, 256),
		readyQueue: make(chan *jobrecord.JobRecord, 256),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the single background worker goroutine.
func (sm *ServiceManager) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// ScheduleServices accepts a job whose services must be brought up.
// inFlight is incremented by the sum of every group's size plus one,
// accounting for the owning job itself, per §4.4's counting rule.
func (sm *ServiceManager) ScheduleServices(j *jobrecord.JobRecord) {
	total := int64(1)
	for _, group := range j.Services {
		total += int64(len(group))
	}
	atomic.AddInt64(&sm.inFlight, total)

	sm.pendingMu.Lock()
	sm.pending = append(sm.pending, j)
	sm.pendingMu.Unlock()

	select {
	case sm.pendingCh <- struct{}{}:
	default:
	}
}

func (sm *ServiceManager) dequeuePending() *jobrecord.JobRecord {
	sm.pendingMu.Lock()
	defer sm.pendingMu.Unlock()
	if len(sm.pending) == 0 {
		return nil
	}
	j := sm.pending[0]
	sm.pending = sm.pending[1:]
	return j
}

func (sm *ServiceManager) run() {
	defer sm.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sm.deadMu.Lock()
			sm.dead = fmt.Errorf("servicemanager: worker panicked: %v", r)
			sm.deadMu.Unlock()
		}
	}()

	for {
		select {
		case <-sm.stopCh:
			return
		default:
		}

		j := sm.dequeuePending()
		if j == nil {
			select {
			case <-sm.pendingCh:
				continue
			case <-time.After(livenessPollInterval):
				continue
			case <-sm.stopCh:
				return
			}
		}

		if !sm.bringUp(j) {
			// Shutdown aborted this job's group-wait immediately; no
			// further groups are started and it is not handed back ready.
			return
		}

		select {
		case sm.readyQueue <- j:
		case <-sm.stopCh:
			return
		}
	}
}

// bringUp brings up every service group for j in declaration order,
// returning false if shutdown interrupted it.
func (sm *ServiceManager) bringUp(j *jobrecord.JobRecord) bool {
	for _, group := range j.Services {
		for _, svc := range group {
			select {
			case sm.startQueue <- ServiceStart{OwnerJobID: j.JobStoreID, Service: svc}:
			case <-sm.stopCh:
				return false
			}
		}

		for _, svc := range group {
			for sm.store.FileExists(svc.StartFlagID) {
				select {
				case <-sm.stopCh:
					return false
				case <-time.After(livenessPollInterval):
				}
			}
		}
	}
	return true
}

// GetServiceJobsToStart yields the next service the Leader must hand to
// the Batch System, waiting up to maxWait. Decrements inFlight by one.
func (sm *ServiceManager) GetServiceJobsToStart(maxWait time.Duration) (*ServiceStart, bool) {
	select {
	case s := <-sm.startQueue:
		atomic.AddInt64(&sm.inFlight, -1)
		return &s, true
	case <-time.After(maxWait):
		return nil, false
	}
}

// GetJobWhoseServicesAreRunning yields J once all its services have
// reached the running state, waiting up to maxWait. Decrements inFlight
// by one.
func (sm *ServiceManager) GetJobWhoseServicesAreRunning(maxWait time.Duration) (*jobrecord.JobRecord, bool) {
	select {
	case j := <-sm.readyQueue:
		atomic.AddInt64(&sm.inFlight, -1)
		return j, true
	case <-time.After(maxWait):
		return nil, false
	}
}

// TryGetServiceJobsToStart is the non-blocking form of GetServiceJobsToStart,
// used by the Leader's loop to drain everything currently available without
// stalling a scheduling pass.
func (sm *ServiceManager) TryGetServiceJobsToStart() (*ServiceStart, bool) {
	select {
	case s := <-sm.startQueue:
		atomic.AddInt64(&sm.inFlight, -1)
		return &s, true
	default:
		return nil, false
	}
}

// TryGetJobWhoseServicesAreRunning is the non-blocking form of
// GetJobWhoseServicesAreRunning.
func (sm *ServiceManager) TryGetJobWhoseServicesAreRunning() (*jobrecord.JobRecord, bool) {
	select {
	case j := <-sm.readyQueue:
		atomic.AddInt64(&sm.inFlight, -1)
		return j, true
	default:
		return nil, false
	}
}

// KillServices deletes the terminate flag (and, on an error teardown, the
// error flag) for every service in services, signaling them to stop.
func (sm *ServiceManager) KillServices(services map[string]jobrecord.ServiceEdge, reason TeardownReason) {
	for _, svc := range services {
		if err := sm.store.DeleteFile(svc.TerminateFlagID); err != nil {
			sm.logger.Warn().Err(err).Str("service_id", svc.ServiceID).Msg("Failed to delete terminate flag")
		}
		if reason == Error {
			if err := sm.store.DeleteFile(svc.ErrorFlagID); err != nil {
				sm.logger.Warn().Err(err).Str("service_id", svc.ServiceID).Msg("Failed to delete error flag")
			}
		}
	}
}

// InFlight returns the current in-flight count, consulted by the Leader
// to determine global quiescence.
func (sm *ServiceManager) InFlight() int64 {
	return atomic.LoadInt64(&sm.inFlight)
}

// Check reports a non-nil error if the worker goroutine has died.
func (sm *ServiceManager) Check() error {
	sm.deadMu.Lock()
	defer sm.deadMu.Unlock()
	return sm.dead
}

// Shutdown signals the worker to abort immediately — it will not start
// any further service groups, including mid-flight ones — and waits for
// it to exit.
func (sm *ServiceManager) Shutdown() {
	close(sm.stopCh)
	sm.wg.Wait()
}
