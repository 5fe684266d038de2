package vm

import (
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Resource Governor
// ---------------------------------------------------------------------------

// ResourceLimits holds the optional ceilings for a context. A zero value
// means unlimited for that resource.
type ResourceLimits struct {
	// HeapBytes caps live heap bytes attributed to the context.
	HeapBytes int64
	// Tasks caps concurrently live (non-terminal) tasks.
	Tasks int64
	// Steps caps cumulative executed instructions.
	Steps uint64
}

// Unlimited returns limits with every ceiling disabled.
func Unlimited() ResourceLimits { return ResourceLimits{} }

// Governor enforces a context's resource ceilings. Every charge is a single
// atomic check-then-commit: on success the counter includes the charge and
// never exceeded the limit at any observable point; on failure nothing was
// charged. Charges sit on the allocation and scheduling hot paths, so they
// are lock-free CAS loops rather than mutex-guarded sections.
type Governor struct {
	limits ResourceLimits

	heapBytes atomic.Int64
	peakHeap  atomic.Int64
	tasks     atomic.Int64
	peakTasks atomic.Int64
	steps     atomic.Uint64
}

// NewGovernor creates a governor with the given limits.
func NewGovernor(limits ResourceLimits) *Governor {
	return &Governor{limits: limits}
}

// Limits returns the configured ceilings.
func (g *Governor) Limits() ResourceLimits { return g.limits }

// SetLimits replaces the ceilings. Used when thawing a snapshot with new
// limits; callers must ensure the context is quiescent.
func (g *Governor) SetLimits(limits ResourceLimits) { g.limits = limits }

// ChargeHeap reserves n live heap bytes. Unlimited governors always
// succeed but still account.
func (g *Governor) ChargeHeap(n int64) error {
	for {
		cur := g.heapBytes.Load()
		next := cur + n
		if g.limits.HeapBytes > 0 && next > g.limits.HeapBytes {
			return ErrResourceLimitExceeded
		}
		if g.heapBytes.CompareAndSwap(cur, next) {
			updatePeak(&g.peakHeap, next)
			return nil
		}
	}
}

// ReleaseHeap returns n heap bytes, from sweep or explicit free.
func (g *Governor) ReleaseHeap(n int64) {
	g.heapBytes.Add(-n)
}

// ChargeTask reserves one task slot.
func (g *Governor) ChargeTask() error {
	for {
		cur := g.tasks.Load()
		next := cur + 1
		if g.limits.Tasks > 0 && next > g.limits.Tasks {
			return ErrResourceLimitExceeded
		}
		if g.tasks.CompareAndSwap(cur, next) {
			updatePeak(&g.peakTasks, next)
			return nil
		}
	}
}

// ReleaseTask returns a task slot when a task reaches a terminal state.
func (g *Governor) ReleaseTask() {
	g.tasks.Add(-1)
}

// ChargeSteps commits n executed instructions against the cumulative step
// budget.
func (g *Governor) ChargeSteps(n uint64) error {
	for {
		cur := g.steps.Load()
		next := cur + n
		if g.limits.Steps > 0 && next > g.limits.Steps {
			return ErrResourceLimitExceeded
		}
		if g.steps.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// StepsRemaining returns how many steps are left in the budget, or the
// given default when the budget is unlimited.
func (g *Governor) StepsRemaining(unlimited uint64) uint64 {
	if g.limits.Steps == 0 {
		return unlimited
	}
	used := g.steps.Load()
	if used >= g.limits.Steps {
		return 0
	}
	return g.limits.Steps - used
}

// HeapBytes returns the live heap bytes currently attributed.
func (g *Governor) HeapBytes() int64 { return g.heapBytes.Load() }

// PeakHeapBytes returns the highest observed heap charge.
func (g *Governor) PeakHeapBytes() int64 { return g.peakHeap.Load() }

// Tasks returns the live task count.
func (g *Governor) Tasks() int64 { return g.tasks.Load() }

// PeakTasks returns the highest observed concurrent task count.
func (g *Governor) PeakTasks() int64 { return g.peakTasks.Load() }

// Steps returns cumulative executed instructions.
func (g *Governor) Steps() uint64 { return g.steps.Load() }

func updatePeak(peak *atomic.Int64, candidate int64) {
	for {
		cur := peak.Load()
		if candidate <= cur || peak.CompareAndSwap(cur, candidate) {
			return
		}
	}
}
