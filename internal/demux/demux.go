// Package demux implements the Inbound Demultiplexer: the worker that pulls
// frames off a transport adapter and fans each one out to every registered
// handler whose filter matches.
package demux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questrail/gocan/internal/bqueue"
	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/logging"
	"github.com/questrail/gocan/internal/metrics"
)

// Receiver is the capability the demultiplexer needs from a transport
// back-end: pull the next inbound frame, waiting up to timeout.
type Receiver interface {
	NextMessage(ctx context.Context, timeout time.Duration) (canframe.Frame, bool)
}

// Handler is a unary callback invoked with each matching inbound frame.
type Handler func(fr canframe.Frame)

// SubscriptionID is the opaque handle returned by AddReceiveHandler and
// required by RemoveReceiveHandler. The redesign here replaces the
// reference implementation's callable-identity keying — which target
// languages without hashable closures can't express — with a stable,
// independently generated id.
type SubscriptionID uint64

// pollTimeout bounds how long one NextMessage call blocks, so the worker can
// still observe context cancellation promptly.
const pollTimeout = time.Second

// rawQueueCapacity bounds the pass-through queue backing Next: every frame
// the worker pulls off the receiver is also mirrored here, regardless of
// whether any handler matches, so the facade can still offer a polling-style
// NextMessage without a second goroutine racing the dispatch worker for the
// same frame straight off the adapter.
const rawQueueCapacity = 500

// rawPutTimeout bounds how long mirroring one frame into the raw queue may
// block; dispatch must never stall waiting on a polling caller that never
// shows up.
const rawPutTimeout = 10 * time.Millisecond

type registration struct {
	id       SubscriptionID
	handler  Handler
	filterID *uint32
	extended bool
}

// Demux owns the handler table and the dispatch worker. All mutating table
// operations are serialized by mu (the facade's handle_lock); dispatch reads
// a snapshot copy so a slow or panicking handler never blocks registration.
type Demux struct {
	mu       sync.RWMutex
	handlers []*registration
	byID     map[SubscriptionID]*registration
	nextID   atomic.Uint64

	raw *bqueue.Queue[canframe.Frame]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a demultiplexer draining receiver on its own goroutine. It is
// the sole consumer of receiver.NextMessage: a caller that wants to poll for
// frames directly (rather than registering a handler) should use Next,
// which reads from the mirrored pass-through queue instead of racing this
// worker for the same frame.
func New(parent context.Context, receiver Receiver) *Demux {
	ctx, cancel := context.WithCancel(parent)
	d := &Demux{
		byID:   make(map[SubscriptionID]*registration),
		raw:    bqueue.New[canframe.Frame](rawQueueCapacity),
		cancel: cancel,
	}
	d.wg.Add(1)
	go d.run(ctx, receiver)
	return d
}

// Next returns the next frame mirrored off the receiver, blocking up to
// timeout. A timeout <= 0 tries once, non-blocking.
func (d *Demux) Next(ctx context.Context, timeout time.Duration) (canframe.Frame, bool) {
	fr, err := d.raw.Get(ctx, timeout)
	if err != nil {
		return canframe.Frame{}, false
	}
	return fr, true
}

// AddReceiveHandler registers handler for frames matching (id, extended).
// id == nil means wildcard: every frame with the requested extended flag
// matches. Returns the subscription id to later pass to
// RemoveReceiveHandler.
func (d *Demux) AddReceiveHandler(handler Handler, id *uint32, extended bool) SubscriptionID {
	var filterID *uint32
	if id != nil {
		v := *id
		filterID = &v
	}
	reg := &registration{
		id:       SubscriptionID(d.nextID.Add(1)),
		handler:  handler,
		filterID: filterID,
		extended: extended,
	}

	d.mu.Lock()
	d.handlers = append(d.handlers, reg)
	d.byID[reg.id] = reg
	n := len(d.handlers)
	d.mu.Unlock()

	metrics.SetDemuxHandlers(n)
	return reg.id
}

// RemoveReceiveHandler unregisters a handler by the id AddReceiveHandler
// returned. Returns false if the id is unknown (already removed, or never
// registered).
func (d *Demux) RemoveReceiveHandler(id SubscriptionID) bool {
	d.mu.Lock()
	_, exists := d.byID[id]
	if !exists {
		d.mu.Unlock()
		return false
	}
	delete(d.byID, id)
	kept := d.handlers[:0:0]
	for _, reg := range d.handlers {
		if reg.id != id {
			kept = append(kept, reg)
		}
	}
	d.handlers = kept
	n := len(d.handlers)
	d.mu.Unlock()

	metrics.SetDemuxHandlers(n)
	return true
}

func (d *Demux) snapshot() []*registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*registration, len(d.handlers))
	copy(out, d.handlers)
	return out
}

// matches implements the demux matching rule: wildcard filterID passes
// unconditionally; otherwise the frame id must match exactly. The extended
// flag must always match.
func (r *registration) matches(fr canframe.Frame) bool {
	if fr.Extended != r.extended {
		return false
	}
	if r.filterID == nil {
		return true
	}
	return fr.ID == *r.filterID
}

func (d *Demux) run(ctx context.Context, receiver Receiver) {
	defer d.wg.Done()
	defer logging.L().Info("demux_end")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fr, ok := receiver.NextMessage(ctx, pollTimeout)
		if !ok {
			continue
		}
		d.dispatch(fr)
	}
}

// dispatch invokes every matching handler in registration order, isolating
// panics so one faulty handler never blocks or stops the rest, and mirrors
// fr into the raw pass-through queue for any Next caller.
func (d *Demux) dispatch(fr canframe.Frame) {
	for _, reg := range d.snapshot() {
		if !reg.matches(fr) {
			continue
		}
		d.invoke(reg.handler, fr)
	}
	_ = d.raw.Put(context.Background(), fr, rawPutTimeout)
}

func (d *Demux) invoke(handler Handler, fr canframe.Frame) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDemuxHandlerPanic()
			logging.L().Error("demux_handler_panic", "panic", fmt.Sprint(r), "frame", fr.String())
		}
	}()
	handler(fr)
	metrics.IncDemuxDispatch()
}

// Shutdown stops the dispatch worker and waits for it to exit.
func (d *Demux) Shutdown() {
	d.cancel()
	d.wg.Wait()
}
