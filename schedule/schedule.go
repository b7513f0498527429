// Package schedule abstracts how the updater kernels fan work out
// across a block list, per spec.md §9's "expose a scheduling hook"
// design note: the fusion kernels themselves stay oblivious to whether
// their per-block units run serially, on a goroutine pool, or on
// whatever concurrency primitive a host embeds this core into.
package schedule

import (
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Scheduler runs n independent units of work, one call to fn per unit
// index in [0, n), and returns the combined error once every unit has
// completed. Implementations decide only how work is dispatched, never
// what it does or whether one unit's error should stop another's.
type Scheduler interface {
	Run(n int, fn func(i int) error) error
}

// SerialScheduler runs every unit on the calling goroutine, in index
// order. Useful for deterministic tests and for hosts that already run
// each frame on its own goroutine and would rather not pay fan-out
// overhead per block.
type SerialScheduler struct{}

// Run implements Scheduler.
func (SerialScheduler) Run(n int, fn func(i int) error) error {
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		errs[i] = fn(i)
	}
	return multierr.Combine(errs...)
}

// GoroutinePoolScheduler is the default: it fans every unit out onto
// its own goroutine via utils.PanicCapturingGo, the way the updater
// kernels dispatched per-block work before this abstraction existed.
// A panic in one unit is recovered and logged rather than crashing the
// process, but it is not converted into a returned error for that
// unit — the same tradeoff the teacher's own combined.go fan-out makes.
type GoroutinePoolScheduler struct{}

// Run implements Scheduler.
func (GoroutinePoolScheduler) Run(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			errs[i] = fn(i)
		})
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// Default is the scheduler an updater falls back to when none is
// configured.
var Default Scheduler = GoroutinePoolScheduler{}
