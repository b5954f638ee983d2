package reactor

import "sync/atomic"

// Counters is the per-reactor telemetry surface from SPEC_FULL.md §7:
// no required output format, so this is a plain read-accessor struct
// rather than a metrics-library integration — matches the teacher's
// own code, which has no Prometheus client anywhere.
type Counters struct {
	rxPackets            atomic.Uint64
	txPackets            atomic.Uint64
	rxBytes              atomic.Uint64
	txBytes              atomic.Uint64
	poolExhaustionEvents atomic.Uint64
	completionStalls     atomic.Uint64
}

func (c *Counters) RXPackets() uint64            { return c.rxPackets.Load() }
func (c *Counters) TXPackets() uint64            { return c.txPackets.Load() }
func (c *Counters) RXBytes() uint64              { return c.rxBytes.Load() }
func (c *Counters) TXBytes() uint64              { return c.txBytes.Load() }
func (c *Counters) PoolExhaustionEvents() uint64 { return c.poolExhaustionEvents.Load() }
func (c *Counters) CompletionStalls() uint64     { return c.completionStalls.Load() }

func (c *Counters) recordRX(bytes int) {
	c.rxPackets.Add(1)
	c.rxBytes.Add(uint64(bytes))
}

func (c *Counters) recordTX(bytes int) {
	c.txPackets.Add(1)
	c.txBytes.Add(uint64(bytes))
}
