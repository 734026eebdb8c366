package vendorusb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questrail/gocan/internal/bqueue"
	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/logging"
	"github.com/questrail/gocan/internal/metrics"
	"github.com/questrail/gocan/internal/transport"
)

const (
	txQueueSize = 1024
	rxQueueSize = 4096
	txTimeoutMs = 100
	rxTimeoutMs = 100
)

var ErrTxOverflow = errors.New("vendorusb: tx overflow")

// Config selects the channel and bus timing to open.
type Config struct {
	Channel   int
	BusParams BusParams
}

// Backend implements transport.Adapter over the vendor USB DLL. Grounded on
// original_source/pycan/drivers/kvaser.py's init sequence
// (canInitializeLibrary -> canOpenChannel -> canBusOn -> flush queues ->
// canSetBusParams) and its outbound/inbound worker split, wired through the
// same AsyncTx/bqueue primitives every other back-end uses.
type Backend struct {
	lib    Lib
	handle int32

	tx      *transport.AsyncTx
	inbound *bqueue.Queue[canframe.Frame]

	lifetimeSent     atomic.Uint64
	lifetimeReceived atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ transport.Adapter = (*Backend)(nil)

// Open initializes the vendor library, opens and configures channel 0 (or
// cfg.Channel), and starts the outbound/inbound workers.
func Open(parent context.Context, cfg Config) (*Backend, error) {
	lib, err := OpenLib()
	if err != nil {
		return nil, err
	}

	handle, err := lib.OpenChannel(cfg.Channel, 0)
	if err != nil {
		return nil, err
	}
	if err := lib.BusOn(handle); err != nil {
		return nil, err
	}
	_ = lib.FlushReceiveQueue(handle)
	_ = lib.FlushTransmitQueue(handle)

	params := cfg.BusParams
	if params == (BusParams{}) {
		params = DefaultBusParams
	}
	if err := lib.SetBusParams(handle, params); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	b := &Backend{
		lib:     lib,
		handle:  handle,
		inbound: bqueue.New[canframe.Frame](rxQueueSize),
		cancel:  cancel,
	}

	send := func(fr canframe.Frame) error {
		return lib.WriteWait(handle, fr.ID, fr.Payload, fr.Extended, txTimeoutMs)
	}
	b.tx = transport.NewAsyncTx(ctx, txQueueSize, send, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrVendorUSBWrite)
			logging.L().Error("vendorusb_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncVendorUSBTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrVendorUSBOver)
			return ErrTxOverflow
		},
	})

	b.wg.Add(1)
	go b.recvLoop(ctx)

	return b, nil
}

func (b *Backend) recvLoop(ctx context.Context) {
	defer b.wg.Done()
	defer logging.L().Info("vendorusb_rx_end")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := b.lib.ReadWait(b.handle, rxTimeoutMs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrVendorUSBRead)
			logging.L().Warn("vendorusb_read_error", "error", err)
			continue
		}
		extended, ok := res.Format()
		if !ok {
			// Unsupported frame format bits; drop and keep polling.
			continue
		}
		fr, err := canframe.New(res.ID, res.Data, extended, uint64(res.Timestamp))
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		b.lifetimeReceived.Add(1)
		metrics.IncVendorUSBRx()
		_ = b.inbound.Put(ctx, fr, 0)
	}
}

// Send enqueues fr for asynchronous transmission and increments
// lifetimeSent when it returns true.
func (b *Backend) Send(fr canframe.Frame) bool {
	if b.tx.SendFrame(fr) != nil {
		return false
	}
	b.lifetimeSent.Add(1)
	return true
}

const indefiniteWait = 365 * 24 * time.Hour

// NextMessage blocks up to timeout for an inbound frame.
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

// Shutdown stops the workers and takes the channel off the bus. Safe to
// call more than once.
func (b *Backend) Shutdown() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.tx.Close()
		_ = b.lib.BusOff(b.handle)
		b.wg.Wait()
	})
}
