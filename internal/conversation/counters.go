// ABOUTME: Atomic message counters shared across the pipeline
// ABOUTME: Snapshots feed the stats status events

package conversation

import "sync/atomic"

// Counters tracks externally observable message activity. Safe for concurrent
// use; the zero value is ready.
type Counters struct {
	received  atomic.Int64
	sent      atomic.Int64
	proactive atomic.Int64
}

// IncReceived counts one accepted inbound fragment.
func (c *Counters) IncReceived() { c.received.Add(1) }

// IncSent counts one successfully dispatched outbound message.
func (c *Counters) IncSent() { c.sent.Add(1) }

// IncProactive counts one proactive trigger fired.
func (c *Counters) IncProactive() { c.proactive.Add(1) }

// Snapshot returns the current counts.
func (c *Counters) Snapshot() Stats {
	return Stats{
		Received:  c.received.Load(),
		Sent:      c.sent.Load(),
		Proactive: c.proactive.Load(),
	}
}
