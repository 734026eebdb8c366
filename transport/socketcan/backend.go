package socketcan

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
	txQueueSize  = 1024
	rxQueueSize  = 4096
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

var ErrTxOverflow = errors.New("socketcan: tx overflow")

// Dev is the minimal device contract; implemented by *Device in production
// and by fakes in tests.
type Dev interface {
	ReadFrame() (canframe.Frame, error)
	WriteFrame(canframe.Frame) error
	Close() error
}

// OpenDevice is a package variable so tests (and non-Linux callers that want
// to inject a fake) can override how the raw device is obtained.
var OpenDevice = func(iface string) (Dev, error) { return Open(iface) }

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Backend implements transport.Adapter over a SocketCAN device, mirroring
// the teacher's internal/socketcan.TXWriter + cmd/can-server's
// backend_socketcan.go RX loop, generalized to the canframe.Frame /
// transport.Adapter contract.
type Backend struct {
	dev Dev
	tx  *transport.AsyncTx

	inbound *bqueue.Queue[canframe.Frame]

	lifetimeSent     atomic.Uint64
	lifetimeReceived atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ transport.Adapter = (*Backend)(nil)

// OpenBackend opens iface (e.g. "can0") and starts the TX/RX workers.
func OpenBackend(parent context.Context, iface string) (*Backend, error) {
	dev, err := OpenDevice(iface)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	b := &Backend{
		dev:     dev,
		inbound: bqueue.New[canframe.Frame](rxQueueSize),
		cancel:  cancel,
	}

	send := func(fr canframe.Frame) error { return dev.WriteFrame(fr) }
	b.tx = transport.NewAsyncTx(ctx, txQueueSize, send, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Error("socketcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSocketCANTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	})

	b.wg.Add(1)
	go b.recvLoop(ctx)

	return b, nil
}

func (b *Backend) recvLoop(ctx context.Context) {
	defer b.wg.Done()
	defer logging.L().Info("socketcan_rx_end")

	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fr, err := b.dev.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			logging.L().Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		b.lifetimeReceived.Add(1)
		metrics.IncSocketCANRx()
		_ = b.inbound.Put(ctx, fr, 0)
		backoff = rxBackoffMin
	}
}

// Send enqueues fr for asynchronous device write and increments
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

// Shutdown stops the workers and closes the device. Safe to call more than
// once.
func (b *Backend) Shutdown() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.tx.Close()
		_ = b.dev.Close()
		b.wg.Wait()
	})
}
