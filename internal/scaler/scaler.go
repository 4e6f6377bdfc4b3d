// Package scaler supervises the optional Provisioner / Cluster Scaler
// collaborator: the core only starts, health-checks, reports completion
// samples to, and stops it.
package scaler

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dagleader/internal/common"
)

// Provisioner is the external node-lifecycle collaborator. Implementations
// own their own connection to whatever provisioning backend they front;
// the core never reaches past this interface.
type Provisioner interface {
	Start() error
	Shutdown() error
	Check() error
	AddCompletedJob(wallTime time.Duration)
}

// Scaler wraps a Provisioner with the periodic health-check cadence the
// Leader expects from an auxiliary thread, per §5.
type Scaler struct {
	provisioner  Provisioner
	pollInterval time.Duration
	logger       arbor.ILogger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastErr error
}

// New wraps provisioner for supervision at the given poll interval.
func New(provisioner Provisioner, pollInterval time.Duration, logger arbor.ILogger) *Scaler {
	return &Scaler{
		provisioner:  provisioner,
		pollInterval: pollInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the Provisioner and launches the background health-check
// loop.
func (s *Scaler) Start() error {
	if err := s.provisioner.Start(); err != nil {
		return fmt.Errorf("scaler: failed to start provisioner: %w", err)
	}
	s.wg.Add(1)
	common.SafeGo(s.logger, "scaler.run", s.run)
	return nil
}

func (s *Scaler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.provisioner.Check(); err != nil {
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				s.logger.Error().Err(err).Msg("Cluster scaler health check failed")
			}
		}
	}
}

// AddCompletedJob reports a finished job's wall time to the Provisioner,
// per processFinishedJob's "report the completion sample" step.
func (s *Scaler) AddCompletedJob(wallTime time.Duration) {
	s.provisioner.AddCompletedJob(wallTime)
}

// Check reports the most recent health-check failure, if any — consulted
// by the Leader's own health check step (§4.2 Step E).
func (s *Scaler) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Shutdown stops the health-check loop and shuts down the Provisioner.
func (s *Scaler) Shutdown() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.provisioner.Shutdown()
}
