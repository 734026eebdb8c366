package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/questrail/gocan/internal/bqueue"
	"github.com/questrail/gocan/internal/canframe"
)

// indefiniteWait stands in for "no timeout" when delegating to bqueue, which
// treats a timeout <= 0 as "try once, non-blocking" rather than "block
// forever".
const indefiniteWait = 365 * 24 * time.Hour

// AsyncTx funnels frame writes from many producers through a single
// goroutine, backed by the same bqueue.Queue transport adapters use on their
// receive side. SendFrame never blocks the caller: a full queue invokes the
// configured OnDrop hook instead of waiting for room. This keeps producers
// from stalling behind a slow or wedged device.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Hooks let each backend keep distinct metrics/logging without duplicating
// the goroutine + queue plumbing.
type AsyncTx struct {
	q      *bqueue.Queue[canframe.Frame]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	send   func(canframe.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the queue is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent (best-effort fire-and-forget).
	OnDrop func() error
}

// ErrAsyncTxClosed is returned by SendFrame once Close has been called.
var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx backed by a bqueue.Queue of capacity buf.
func NewAsyncTx(parent context.Context, buf int, send func(canframe.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		q:      bqueue.New[canframe.Frame](buf),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		send:   send,
		hooks:  hooks,
	}
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer close(a.done)
	for {
		fr, err := a.q.Get(a.ctx, indefiniteWait)
		if err != nil { // only returns once a.ctx is cancelled
			return
		}
		if sendErr := a.send(fr); sendErr != nil {
			if a.hooks.OnError != nil {
				a.hooks.OnError(sendErr)
			}
			continue
		}
		if a.hooks.OnAfter != nil {
			a.hooks.OnAfter()
		}
	}
}

// SendFrame queues a frame for asynchronous transmission, or invokes OnDrop
// and returns its error if the queue is full.
func (a *AsyncTx) SendFrame(fr canframe.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	if err := a.q.Put(a.ctx, fr, 0); err != nil {
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
	return nil
}

// Close stops the worker and waits for it to exit. Frames already queued but
// not yet sent are discarded. Safe to call more than once.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	<-a.done
}
