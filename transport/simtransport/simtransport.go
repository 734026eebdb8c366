// Package simtransport implements a deterministic, hardware-free CAN
// back-end used for demos and tests: it manufactures a rotating set of known
// frames on a fixed cadence and discards outbound frames after a configured
// send latency. Grounded on original_source/pycan/drivers/sim_can.py (the
// known-message generator and inbound/outbound worker split), rewritten
// using context cancellation and bqueue queues instead of Python's
// threading.Event and Queue.Queue.
package simtransport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questrail/gocan/internal/bqueue"
	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/metrics"
	"github.com/questrail/gocan/internal/transport"
)

// Tunables, named after pycan's sim_can.py constants.
const (
	UniqueSimMessages = 8
	SimPayloadSize    = 8
	DefaultRxRate     = 10 * time.Millisecond
	DefaultTxDelay    = 500 * time.Microsecond
	bufferSize        = 1000
)

// Config controls the simulator's synthetic traffic generation.
type Config struct {
	// RxRate is the interval between synthetic inbound frames. Zero uses
	// DefaultRxRate.
	RxRate time.Duration
	// TxDelay is how long an outbound frame is held before being discarded,
	// simulating the latency of a real link. Zero uses DefaultTxDelay.
	TxDelay time.Duration
}

// Backend implements transport.Adapter by rotating through a fixed set of
// known frames (ids 0..UniqueSimMessages-1, payload bytes 0..SimPayloadSize-1)
// on the inbound side, and discarding outbound frames after TxDelay.
type Backend struct {
	inbound  *bqueue.Queue[canframe.Frame]
	outbound *bqueue.Queue[canframe.Frame]

	knownMsgs []canframe.Frame

	lifetimeSent     atomic.Uint64
	lifetimeReceived atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ transport.Adapter = (*Backend)(nil)

// New builds and starts a simulator back-end. It never fails: there is no
// hardware to fail to open.
func New(parent context.Context, cfg Config) *Backend {
	rxRate := cfg.RxRate
	if rxRate <= 0 {
		rxRate = DefaultRxRate
	}
	txDelay := cfg.TxDelay
	if txDelay <= 0 {
		txDelay = DefaultTxDelay
	}

	ctx, cancel := context.WithCancel(parent)
	b := &Backend{
		inbound:   bqueue.New[canframe.Frame](bufferSize),
		outbound:  bqueue.New[canframe.Frame](bufferSize),
		knownMsgs: generateKnownMessages(),
		cancel:    cancel,
	}

	b.wg.Add(2)
	go b.processOutbound(ctx, txDelay)
	go b.processInbound(ctx, rxRate)

	return b
}

func generateKnownMessages() []canframe.Frame {
	msgs := make([]canframe.Frame, 0, UniqueSimMessages)
	for id := 0; id < UniqueSimMessages; id++ {
		payload := make([]byte, SimPayloadSize)
		for i := range payload {
			payload[i] = byte(i)
		}
		fr, err := canframe.New(uint32(id), payload, false, 0)
		if err != nil {
			// Construction parameters are fixed and always in range.
			panic(err)
		}
		msgs = append(msgs, fr)
	}
	return msgs
}

// Send enqueues fr onto the outbound queue. The outbound worker discards it
// after TxDelay, simulating transmission; there is no real wire to drop a
// frame onto.
func (b *Backend) Send(fr canframe.Frame) bool {
	if err := b.outbound.Put(context.Background(), fr, 0); err != nil {
		metrics.IncError(metrics.ErrSimOverflow)
		return false
	}
	b.lifetimeSent.Add(1)
	metrics.IncSimTx()
	return true
}

const indefiniteWait = 365 * 24 * time.Hour

// NextMessage blocks up to timeout for a synthetic inbound frame.
func (b *Backend) NextMessage(ctx context.Context, timeout time.Duration) (canframe.Frame, bool) {
	if timeout <= 0 {
		timeout = indefiniteWait
	}
	fr, err := b.inbound.Get(ctx, timeout)
	if err != nil {
		return canframe.Frame{}, false
	}
	return fr, true
}

func (b *Backend) LifetimeSent() uint64     { return b.lifetimeSent.Load() }
func (b *Backend) LifetimeReceived() uint64 { return b.lifetimeReceived.Load() }

func (b *Backend) processOutbound(ctx context.Context, txDelay time.Duration) {
	defer b.wg.Done()
	for {
		fr, err := b.outbound.Get(ctx, 1*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-time.After(txDelay):
		case <-ctx.Done():
			return
		}
		_ = fr // discarded: no real wire to write to
	}
}

func (b *Backend) processInbound(ctx context.Context, rxRate time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(rxRate)
	defer ticker.Stop()
	idx := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fr := b.knownMsgs[idx]
			idx = (idx + 1) % len(b.knownMsgs)
			if err := b.inbound.Put(ctx, fr, 0); err != nil {
				continue
			}
			b.lifetimeReceived.Add(1)
			metrics.IncSimRx()
		}
	}
}

// Shutdown stops both workers. Safe to call more than once.
func (b *Backend) Shutdown() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}
