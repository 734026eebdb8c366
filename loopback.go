package gocan

import (
	"context"
	"time"

	"github.com/questrail/gocan/internal/bqueue"
	"github.com/questrail/gocan/internal/transport"
)

// loopbackPutTimeout bounds how long a successful Send waits for room in the
// loopback queue before the whole Send is reported as failed.
const loopbackPutTimeout = 50 * time.Millisecond

// loopbackAdapter wraps a transport.Adapter so that every frame accepted by
// Send is passed to the wrapped adapter and also enqueued for NextMessage.
// This is the facade-level loopback mode: it adds no extra worker goroutine
// (NextMessage alternates between the loopback queue and short waits on the
// wrapped adapter), so the four-logical-worker-stream count is unaffected.
type loopbackAdapter struct {
	transport.Adapter
	queue *bqueue.Queue[Frame]
}

func newLoopbackAdapter(inner transport.Adapter, capacity int) *loopbackAdapter {
	return &loopbackAdapter{
		Adapter: inner,
		queue:   bqueue.New[Frame](capacity),
	}
}

// Send delegates to the wrapped adapter, then mirrors the frame into the
// loopback queue. If the wrapped send succeeds but the loopback queue is
// full, the overall Send reports failure even though the frame already went
// out, matching the spec's "loopback placement returns false and the send
// overall fails" rule.
func (l *loopbackAdapter) Send(fr Frame) bool {
	if !l.Adapter.Send(fr) {
		return false
	}
	if err := l.queue.Put(context.Background(), fr.Clone(), loopbackPutTimeout); err != nil {
		return false
	}
	return true
}

// NextMessage prefers a pending loopback frame. While none is queued it waits
// on the wrapped adapter in slices of at most 10ms, checking the loopback
// queue again between slices, until a frame arrives, timeout elapses, or ctx
// is cancelled. A timeout of zero waits until ctx is cancelled.
func (l *loopbackAdapter) NextMessage(ctx context.Context, timeout time.Duration) (Frame, bool) {
	const pollSlice = 10 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		if fr, err := l.queue.Get(ctx, 0); err == nil {
			return fr, true
		}
		slice := time.Until(deadline)
		if timeout <= 0 || slice > pollSlice {
			slice = pollSlice
		} else if slice <= 0 {
			return Frame{}, false
		}
		if fr, ok := l.Adapter.NextMessage(ctx, slice); ok {
			return fr, true
		}
		if ctx.Err() != nil {
			return Frame{}, false
		}
	}
}
