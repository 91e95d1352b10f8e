package timebase

import (
	"sync"
)

// PhaseCapture is one hardware measurement taken on a PPS edge: the phase
// discriminator sample and the number of reference cycles elapsed since the
// previous edge.
type PhaseCapture struct {
	ADCPhase  int32
	CycleSpan uint32
}

// Cell is a single-producer/single-consumer handoff slot for phase captures.
// The producer publishes one complete capture per PPS edge; the consumer
// snapshots the latest one and never observes a torn pair: both sides copy the
// payload under a short critical section. The edge counter increments once per
// publish, so a consumer that sees it advance knows a new edge arrived without
// inspecting the payload.
type Cell struct {
	mu   sync.Mutex
	edge uint64
	pc   PhaseCapture
}

// Publish stores a capture and advances the edge counter. Only a single
// goroutine may call Publish. It performs a bounded copy and never blocks on
// the consumer beyond the snapshot copy in Latest.
func (c *Cell) Publish(pc PhaseCapture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pc = pc
	c.edge++
}

// Latest returns a consistent snapshot of the most recent capture and its edge
// id. Edge id 0 means no capture has been published yet.
func (c *Cell) Latest() (PhaseCapture, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc, c.edge
}
