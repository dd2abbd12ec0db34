// Package metrics is the engine's atomic counters/gauges collector.
// Every field is updated via sync/atomic so reads from the broadcast
// worker or the /health handler are lock-free, matching the concurrency
// model's "all counters/gauges are updated via an atomic metrics
// collector; reads are lock-free" requirement.
package metrics

import "sync/atomic"

// Counter is a monotonically increasing count, safe for concurrent use.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()          { c.v.Add(1) }
func (c *Counter) Add(n int64)   { c.v.Add(n) }
func (c *Counter) Value() int64  { return c.v.Load() }

// Gauge is a value that can go up or down, safe for concurrent use.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)   { g.v.Store(n) }
func (g *Gauge) Value() int64  { return g.v.Load() }

// Collector is the process-wide set of named counters/gauges the engine
// exposes. Components hold a reference to the fields they update; no
// package reaches for a global singleton.
type Collector struct {
	InvalidTrades     Counter
	EnrichedTrades    Counter
	SequenceGaps      Counter
	DroppedSignals    Counter
	EmittedSignals    Counter
	StorageRetries    Counter
	DeadLetteredJobs  Counter
	InternalErrors    Counter
	ActiveCoordQueue  Gauge
	BroadcastClients  Gauge
}

func New() *Collector {
	return &Collector{}
}

// Snapshot is an immutable point-in-time copy, suitable for the "stats"
// broadcast envelope and the /health endpoint.
type Snapshot struct {
	InvalidTrades    int64
	EnrichedTrades   int64
	SequenceGaps     int64
	DroppedSignals   int64
	EmittedSignals   int64
	StorageRetries   int64
	DeadLetteredJobs int64
	InternalErrors   int64
	ActiveCoordQueue int64
	BroadcastClients int64
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		InvalidTrades:    c.InvalidTrades.Value(),
		EnrichedTrades:   c.EnrichedTrades.Value(),
		SequenceGaps:     c.SequenceGaps.Value(),
		DroppedSignals:   c.DroppedSignals.Value(),
		EmittedSignals:   c.EmittedSignals.Value(),
		StorageRetries:   c.StorageRetries.Value(),
		DeadLetteredJobs: c.DeadLetteredJobs.Value(),
		InternalErrors:   c.InternalErrors.Value(),
		ActiveCoordQueue: c.ActiveCoordQueue.Value(),
		BroadcastClients: c.BroadcastClients.Value(),
	}
}
