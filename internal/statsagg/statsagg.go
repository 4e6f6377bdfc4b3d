// Package statsagg implements the Stats & Logging Aggregator: a sidecar
// thread draining log/stats blobs from the Job Store and, on shutdown,
// writing a final totals record.
package statsagg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dagleader/internal/jobstore"
)

const idleSleep = 500 * time.Millisecond

// Totals is the final record written on shutdown, per §6's
// "{total_time, total_clock}" final stats record.
type Totals struct {
	TotalTime  float64 `json:"total_time"`
	TotalClock float64 `json:"total_clock"`
}

// Aggregator drains the Job Store's pending stats/log blobs on a single
// background goroutine, falling back to a short sleep when there is
// nothing new, per §5's suspension-point rule.
type Aggregator struct {
	store  jobstore.Store
	logger arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt time.Time

	errMu sync.Mutex
	err   error
}

// New constructs an Aggregator. Call Start to launch its worker.
func New(store jobstore.Store, logger arbor.ILogger) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{store: store, logger: logger, ctx: ctx, cancel: cancel}
}

// Start launches the background drain loop.
func (a *Aggregator) Start() {
	a.startedAt = time.Now()
	a.wg.Add(1)
	go a.run()
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			a.errMu.Lock()
			a.err = fmt.Errorf("statsagg: worker panicked: %v", r)
			a.errMu.Unlock()
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			a.drainOnce()
			a.writeFinal()
			return
		default:
		}

		n, err := a.store.ReadStatsAndLogging(a.emit)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to drain stats and logging blobs")
		}
		if n == 0 {
			select {
			case <-a.ctx.Done():
				a.drainOnce()
				a.writeFinal()
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

func (a *Aggregator) drainOnce() {
	if _, err := a.store.ReadStatsAndLogging(a.emit); err != nil {
		a.logger.Warn().Err(err).Msg("Failed final stats drain before shutdown")
	}
}

func (a *Aggregator) emit(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.logger.Info().Str("blob", string(data)).Msg("Drained stats/logging blob")
	return nil
}

func (a *Aggregator) writeFinal() {
	totals := Totals{
		TotalClock: time.Since(a.startedAt).Seconds(),
		TotalTime:  time.Since(a.startedAt).Seconds(),
	}
	text, err := json.Marshal(totals)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode final stats totals")
		return
	}
	if err := a.store.WriteStatsAndLogging(string(text)); err != nil {
		a.logger.Error().Err(err).Msg("Failed to write final stats record")
	}
}

// Check reports a non-nil error if the worker goroutine has died.
func (a *Aggregator) Check() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// Shutdown signals the worker to drain once more, write the final totals
// record, and exit; it blocks until that completes.
func (a *Aggregator) Shutdown() {
	a.cancel()
	a.wg.Wait()
}
