package stm

import "sync/atomic"

// Counter is a lock-free monotonically increasing counter, grounded on
// the teacher package's concurrent.Counter but narrowed to the Inc/Load
// pair the engine's diagnostics actually need.
type Counter struct {
	value atomic.Uint64
}

// Inc increments the counter by 1 and returns the new value.
func (c *Counter) Inc() uint64 {
	return c.value.Add(1)
}

// Load returns the current value.
func (c *Counter) Load() uint64 {
	return c.value.Load()
}

// Stats is a snapshot of the engine's lifetime counters, returned by
// GlobalStats for diagnostics and by tests asserting on helping and
// retry behavior.
type Stats struct {
	Begun               uint64
	Committed           uint64
	Aborted             uint64
	Helped              uint64
	HelperAborts        uint64
	Retries             uint64
	ConsistencyFailures uint64
}

type engineStats struct {
	begun               Counter
	committed           Counter
	aborted             Counter
	helped              Counter
	helperAborts        Counter
	retries             Counter
	consistencyFailures Counter
}

var globalStats engineStats

// GlobalStats returns a point-in-time snapshot of the engine's lifetime
// counters. The snapshot is not atomic across fields: under concurrent
// activity, two fields may reflect slightly different instants.
func GlobalStats() Stats {
	return Stats{
		Begun:               globalStats.begun.Load(),
		Committed:           globalStats.committed.Load(),
		Aborted:             globalStats.aborted.Load(),
		Helped:              globalStats.helped.Load(),
		HelperAborts:        globalStats.helperAborts.Load(),
		Retries:             globalStats.retries.Load(),
		ConsistencyFailures: globalStats.consistencyFailures.Load(),
	}
}
