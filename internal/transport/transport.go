// Package transport defines the capability contract that the cyclic
// scheduler, the demultiplexer, and the Comm Facade use to talk to a
// concrete hardware back-end, plus a reusable asynchronous transmit helper
// (AsyncTx) shared by the serialascii, socketcan and vendorusb back-ends.
package transport

import (
	"context"
	"time"

	"github.com/questrail/gocan/internal/canframe"
)

// Adapter is the capability interface a back-end implements. Every method
// must be safe for concurrent use by the facade's worker goroutines.
type Adapter interface {
	// Send enqueues fr for transmission without waiting for room; it
	// returns false when the outbound queue is full. It returns true once
	// fr has been accepted onto the outbound queue and LifetimeSent has
	// been incremented.
	Send(fr canframe.Frame) bool

	// NextMessage blocks up to timeout for an inbound frame. A timeout of
	// zero blocks indefinitely. ok is false on timeout.
	NextMessage(ctx context.Context, timeout time.Duration) (fr canframe.Frame, ok bool)

	// LifetimeSent and LifetimeReceived are monotonic atomic counters, read
	// freely by user goroutines. LifetimeSent is incremented by a successful
	// Send; LifetimeReceived by the inbound worker.
	LifetimeSent() uint64
	LifetimeReceived() uint64

	// Shutdown clears the running flag, joins workers, and releases any
	// hardware handle. It must be safe to call more than once.
	Shutdown()
}
