// Package resourceusage attributes container resource consumption to
// instances: peak memory and CPU micros, the "resource metrics" attributes
// carried on the Instance entity.
//
// Adapted from the teacher's graph/cost.go CostTracker, which accumulated
// per-run LLM token costs from a static pricing table; the same
// accumulate-then-attribute shape is repurposed here to accumulate
// per-instance sampled resource usage from the container supervisor instead
// of per-call token pricing.
package resourceusage

import "sync"

// Sample is one point-in-time resource reading for a running container.
type Sample struct {
	MemoryBytes uint64
	CPUMicros   uint64
}

// Tracker accumulates the peak memory and total CPU time observed for each
// instance across however many samples the supervisor takes during the
// container's lifetime.
type Tracker struct {
	mu    sync.Mutex
	peaks map[string]Sample
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{peaks: make(map[string]Sample)}
}

// Record folds a new sample into the instance's running peak-memory /
// cumulative-cpu totals.
func (t *Tracker) Record(instanceID string, s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.peaks[instanceID]
	if s.MemoryBytes > cur.MemoryBytes {
		cur.MemoryBytes = s.MemoryBytes
	}
	cur.CPUMicros += s.CPUMicros
	t.peaks[instanceID] = cur
}

// Usage returns the accumulated resource metrics for an instance, or the
// zero Sample if none were ever recorded.
func (t *Tracker) Usage(instanceID string) Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peaks[instanceID]
}

// Forget drops tracked usage for an instance once it has been persisted to
// the store, bounding the tracker's memory to live instances.
func (t *Tracker) Forget(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peaks, instanceID)
}
