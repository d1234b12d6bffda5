// Package load estimates whether the local process is too busy to service
// its timers on time, so liveness checks can tell "peer is gone" apart from
// "we are starved".
package load

import (
	"sync"
	"time"

	"github.com/1ureka/relink/internal/clock"
)

const (
	historyLength = 10
	tickInterval  = time.Second

	// HighLoadThreshold is the Load value at and above which HasHighLoad
	// reports true.
	HighLoadThreshold = 0.5
)

// Estimator samples its own 1-second timer. A tick that is late or missing
// leaves an old timestamp in the history, which raises Load.
//
// An Estimator is meant to be created once by the composition root and
// shared by every protocol instance of the process.
type Estimator struct {
	clk clock.Clock

	mu       sync.Mutex
	lastRuns [historyLength]time.Time
	timer    clock.Timer
	stopped  bool
}

// NewEstimator starts sampling on clk. The history is seeded as if the
// process had been ticking punctually.
func NewEstimator(clk clock.Clock) *Estimator {
	e := &Estimator{clk: clk}

	now := clk.Now()
	for i := range e.lastRuns {
		e.lastRuns[i] = now.Add(-time.Duration(i) * tickInterval)
	}

	e.mu.Lock()
	e.timer = clk.AfterFunc(tickInterval, e.tick)
	e.mu.Unlock()

	return e
}

func (e *Estimator) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	copy(e.lastRuns[1:], e.lastRuns[:historyLength-1])
	e.lastRuns[0] = e.clk.Now()
	e.timer = e.clk.AfterFunc(tickInterval, e.tick)
}

// Load returns an estimate from 0 (idle) to 1 (saturated): the fraction of
// history slots whose tick is older than the history window.
func (e *Estimator) Load() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	limit := (1 + historyLength) * tickInterval
	score := 0
	for _, run := range e.lastRuns {
		if now.Sub(run) <= limit {
			score++
		}
	}
	return 1 - float64(score)/historyLength
}

// HasHighLoad reports whether Load is at or above HighLoadThreshold.
func (e *Estimator) HasHighLoad() bool {
	return e.Load() >= HighLoadThreshold
}

// Stop halts sampling. Load keeps answering from the frozen history.
func (e *Estimator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
}
