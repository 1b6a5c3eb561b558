// Package inbound implements InboundTCP and InboundUDP: the per-connection
// (TCP) and per-peer-session (UDP) objects that pump bytes between a socket
// and a Pipeline. Each inbound is owned by a single goroutine; the bytes of
// each socket read are copied once into a ByteBuffer and handed to the
// pipeline, and read/write/idle timeouts each close the connection
// independently.
package inbound

import (
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// nextID is the process-wide monotonic counter backing every Inbound's ID.
// ID 0 is reserved and skipped on wrap-around; callers must not treat IDs
// as unique across a full 2^64 cycle.
var nextID uint64

func allocID() uint64 {
	for {
		id := atomic.AddUint64(&nextID, 1)
		if id != 0 {
			return id
		}
		// Wrapped exactly onto 0: try again.
	}
}

// Info is the common, read-only identity of any Inbound:
// {id, local_addr, local_port, remote_addr, remote_port,
// original_dst_addr?, original_dst_port?}.
type Info struct {
	ID         uint64
	LocalAddr  net.IP
	LocalPort  uint16
	RemoteAddr net.IP
	RemotePort uint16

	// OriginalDstAddr/Port are set only on Linux when the listener's
	// Transparent option is set.
	OriginalDstAddr net.IP
	OriginalDstPort uint16
}

// PipelineTracker counts live pipelines on behalf of the worker thread
// that owns this inbound's connections: incremented when an inbound spawns
// its pipeline, decremented when that pipeline's terminal StreamEnd has
// propagated. The graceful-shutdown path drains on this count, so every
// spawned pipeline must be reported to exactly one tracker.
type PipelineTracker interface {
	IncrementPipelines()
	DecrementPipelines()
}

// Counters holds the traffic byte counts every Inbound exposes for metrics.
type Counters struct {
	in  int64
	out int64
}

func (c *Counters) AddIn(n int)  { atomic.AddInt64(&c.in, int64(n)) }
func (c *Counters) AddOut(n int) { atomic.AddInt64(&c.out, int64(n)) }
func (c *Counters) In() int64    { return atomic.LoadInt64(&c.in) }
func (c *Counters) Out() int64   { return atomic.LoadInt64(&c.out) }

// logEntry builds a structured per-inbound logrus entry.
func logEntry(base *logrus.Logger, kind string, id uint64) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithFields(logrus.Fields{
		"component":  "inbound",
		"kind":       kind,
		"inbound_id": id,
	})
}
