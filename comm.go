package gocan

import (
	"context"
	"time"

	"github.com/questrail/gocan/internal/cyclic"
	"github.com/questrail/gocan/internal/demux"
	"github.com/questrail/gocan/internal/transport"
)

// defaultLoopbackQueueCapacity matches spec's default inbound queue
// capacity (500 frames); back-ends themselves may use a different size for
// their own internal queues (see each transport/* package).
const defaultLoopbackQueueCapacity = 500

// Handler is a unary callback invoked with each inbound frame matching a
// registration's filter. An alias onto demux.Handler.
type Handler = demux.Handler

// SubscriptionID is the opaque handle returned by AddReceiveHandler and
// required by RemoveReceiveHandler.
type SubscriptionID = demux.SubscriptionID

// Comm is the Comm Facade: one transport adapter, one cyclic scheduler, and
// one inbound demultiplexer, composed behind a single handle. Construct
// with New.
type Comm struct {
	adapter   transport.Adapter
	scheduler *cyclic.Scheduler
	demux     *demux.Demux
}

type commConfig struct {
	loopback      bool
	queueCapacity int
	cyclicDivisor int
}

// Option configures a Comm at construction time, in the same
// functional-options style as the teacher's server.ServerOption.
type Option func(*commConfig)

// WithLoopback enables loopback mode: every frame accepted by Send is still
// handed to the transport adapter, and a copy is also delivered to
// NextMessage and to registered handlers. Useful for in-memory round-trip
// testing.
func WithLoopback() Option {
	return func(c *commConfig) { c.loopback = true }
}

// WithQueueCapacity overrides the loopback queue's capacity (default 500,
// only meaningful together with WithLoopback).
func WithQueueCapacity(n int) Option {
	return func(c *commConfig) {
		if n > 0 {
			c.queueCapacity = n
		}
	}
}

// WithCyclicDivisor overrides the cyclic scheduler's sweep-interval
// oversampling factor N (default cyclic.DefaultDivisor).
func WithCyclicDivisor(n int) Option {
	return func(c *commConfig) {
		if n > 0 {
			c.cyclicDivisor = n
		}
	}
}

// New composes adapter into a Comm Facade and starts its scheduler and
// demultiplexer workers. parent governs the lifetime of both background
// workers; cancelling it without calling Shutdown leaves the transport
// adapter running on its own (Shutdown should still be called to release
// the adapter's resources).
func New(parent context.Context, adapter transport.Adapter, opts ...Option) *Comm {
	cfg := &commConfig{
		queueCapacity: defaultLoopbackQueueCapacity,
		cyclicDivisor: cyclic.DefaultDivisor,
	}
	for _, o := range opts {
		o(cfg)
	}

	var facadeAdapter transport.Adapter = adapter
	if cfg.loopback {
		facadeAdapter = newLoopbackAdapter(adapter, cfg.queueCapacity)
	}

	return &Comm{
		adapter:   facadeAdapter,
		scheduler: cyclic.New(parent, facadeAdapter, cfg.cyclicDivisor),
		demux:     demux.New(parent, facadeAdapter),
	}
}

// Send delegates to the transport adapter. It returns false rather than
// blocking forever when the outbound queue stays full.
func (c *Comm) Send(fr Frame) bool { return c.adapter.Send(fr) }

// indefiniteWait substitutes for a timeout of zero: bqueue treats <= 0 as a
// non-blocking try, but the facade's NextMessage contract is that zero
// blocks indefinitely, bounded only by ctx cancellation.
const indefiniteWait = 365 * 24 * time.Hour

// NextMessage blocks up to timeout for an inbound frame. Reads from the
// demultiplexer's mirrored pass-through queue rather than the transport
// adapter directly, so polling via NextMessage never races the
// demultiplexer's own worker for the same frame.
func (c *Comm) NextMessage(ctx context.Context, timeout time.Duration) (Frame, bool) {
	if timeout <= 0 {
		timeout = indefiniteWait
	}
	return c.demux.Next(ctx, timeout)
}

// AddCyclicMessage registers fr to be sent every period. key nil uses
// fr.ID. Insert or replace.
func (c *Comm) AddCyclicMessage(fr Frame, period time.Duration, key any) bool {
	return c.scheduler.AddCyclic(fr, period, key)
}

// UpdateCyclicMessage replaces the frame of an existing cyclic entry
// without touching its key or schedule. Fails if key is absent.
func (c *Comm) UpdateCyclicMessage(fr Frame, key any) bool {
	return c.scheduler.UpdateCyclic(fr, key)
}

// StopCyclicMessage halts emissions for key.
func (c *Comm) StopCyclicMessage(key any) bool {
	return c.scheduler.StopCyclic(key)
}

// AddReceiveHandler registers handler for inbound frames matching (id,
// extended). id nil means wildcard. Returns the subscription id to later
// pass to RemoveReceiveHandler.
func (c *Comm) AddReceiveHandler(handler Handler, id *uint32, extended bool) SubscriptionID {
	return c.demux.AddReceiveHandler(handler, id, extended)
}

// RemoveReceiveHandler unregisters a handler by its subscription id.
func (c *Comm) RemoveReceiveHandler(id SubscriptionID) bool {
	return c.demux.RemoveReceiveHandler(id)
}

// LifetimeSent returns the total number of frames the transport adapter has
// accepted for transmission.
func (c *Comm) LifetimeSent() uint64 { return c.adapter.LifetimeSent() }

// LifetimeReceived returns the total number of frames the transport adapter
// has delivered from hardware.
func (c *Comm) LifetimeReceived() uint64 { return c.adapter.LifetimeReceived() }

// Shutdown stops the scheduler, then the demultiplexer, then the transport
// adapter, in that order, and waits for all three to quiesce. Safe to call
// once; a second call is a no-op on the scheduler/demux (both already
// idempotent-safe via their own cancellation) but will re-invoke the
// adapter's own idempotent Shutdown.
func (c *Comm) Shutdown() {
	c.scheduler.Shutdown()
	c.demux.Shutdown()
	c.adapter.Shutdown()
}
