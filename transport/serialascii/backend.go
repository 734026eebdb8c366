package serialascii

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
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
	txQueueSize                 = 1024
	rxQueueSize                 = 4096
	readBufSize                 = 4096
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

var ErrTxOverflow = errors.New("serialascii: tx overflow")

// Config describes how to open and initialize a LAWICEL ASCII CAN adapter.
type Config struct {
	Device string
	// SerialBaud is the UART line speed of the serial port itself (e.g.
	// 115200), distinct from CANBitRate which governs the CAN bus.
	SerialBaud int
	// CANBitRate selects the "Sn" command per the bit-rate table; zero
	// defaults to DefaultBitRate.
	CANBitRate  int
	ReadTimeout time.Duration
}

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Backend implements transport.Adapter over a serial port speaking the
// LAWICEL ASCII command set. Grounded on the teacher's internal/serial
// TXWriter + cmd/can-server backend_serial.go RX loop, adapted to the ASCII
// codec and the canframe.Frame/transport.Adapter contract.
type Backend struct {
	port Port
	tx   *transport.AsyncTx

	inbound *bqueue.Queue[canframe.Frame]

	// responses receives non-frame records (command acks, bus-state
	// replies); buffered so a slow consumer never stalls the RX loop.
	responses chan string

	lifetimeSent     atomic.Uint64
	lifetimeReceived atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ transport.Adapter = (*Backend)(nil)

// Open opens the serial port, runs the LAWICEL init sequence
// (close -> five CRs -> flush input -> enable timestamps -> set bit rate ->
// open bus), and starts the outbound/inbound worker goroutines.
func Open(parent context.Context, cfg Config) (*Backend, error) {
	baud := cfg.SerialBaud
	if baud == 0 {
		baud = 115200
	}
	bitRate := cfg.CANBitRate
	if bitRate == 0 {
		bitRate = DefaultBitRate
	}
	rateCmd, err := bitRateCommand(bitRate)
	if err != nil {
		return nil, err
	}

	sp, err := OpenPort(cfg.Device, baud, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("serialascii: open %s: %w", cfg.Device, err)
	}

	if err := initSequence(sp, rateCmd); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("serialascii: init sequence: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	b := &Backend{
		port:      sp,
		inbound:   bqueue.New[canframe.Frame](rxQueueSize),
		responses: make(chan string, 32),
		cancel:    cancel,
	}

	codec := Codec{}
	send := func(fr canframe.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	b.tx = transport.NewAsyncTx(ctx, txQueueSize, send, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serialascii_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	})

	b.wg.Add(1)
	go b.recvLoop(ctx)

	return b, nil
}

// initSequence issues the LAWICEL bring-up commands per spec.md §4.2:
// close the bus, send five bare CRs to resynchronize the command parser,
// flush any stale input, enable timestamps, set the bit rate, then open
// the bus.
func initSequence(sp Port, rateCmd string) error {
	preFlush := []string{"C\r", "\r\r\r\r\r"}
	for _, step := range preFlush {
		if _, err := sp.Write([]byte(step)); err != nil {
			return err
		}
	}
	if err := sp.Flush(); err != nil {
		return err
	}
	postFlush := []string{"Z1\r", rateCmd, "O\r"}
	for _, step := range postFlush {
		if _, err := sp.Write([]byte(step)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) recvLoop(ctx context.Context) {
	defer b.wg.Done()
	defer logging.L().Info("serialascii_rx_end")

	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin

	onFrame := func(fr canframe.Frame) {
		b.lifetimeReceived.Add(1)
		metrics.IncSerialRx()
		// Best-effort enqueue with a non-blocking Put: when the inbound
		// queue is full this new frame is dropped.
		_ = b.inbound.Put(ctx, fr, 0)
	}
	onResponse := func(rec string) {
		select {
		case b.responses <- rec:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := b.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			DecodeRecords(acc, onFrame, onResponse)
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			logging.L().Warn("serialascii_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

// Send enqueues fr for asynchronous transmission. It returns false if the
// outbound buffer is full (the frame is dropped, mirroring the teacher's
// overflow semantics for a wedged or saturated link).
//
// lifetimeSent is incremented when Send returns true, before the queued
// write reaches the port; a later write failure is reported through the
// AsyncTx OnError hook and does not decrement it.
func (b *Backend) Send(fr canframe.Frame) bool {
	if b.tx.SendFrame(fr) != nil {
		return false
	}
	b.lifetimeSent.Add(1)
	return true
}

// indefiniteWait stands in for "no timeout" when delegating to bqueue,
// whose own zero-or-less convention means "try once, non-blocking" rather
// than "wait forever". ctx cancellation still aborts the wait.
const indefiniteWait = 365 * 24 * time.Hour

// NextMessage blocks up to timeout for an inbound frame. timeout of zero
// blocks indefinitely (bounded only by ctx cancellation).
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

// Response returns the oldest pending command-ack/response record, if any,
// without blocking. Used by callers that issue out-of-band
// commands (e.g. a status query) and need to read the reply.
func (b *Backend) Response() (string, bool) {
	select {
	case rec := <-b.responses:
		return rec, true
	default:
		return "", false
	}
}

func (b *Backend) LifetimeSent() uint64     { return b.lifetimeSent.Load() }
func (b *Backend) LifetimeReceived() uint64 { return b.lifetimeReceived.Load() }

// Shutdown stops the workers and closes the serial port. Safe to call more
// than once.
func (b *Backend) Shutdown() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.tx.Close()
		_, _ = b.port.Write([]byte("C\r"))
		_ = b.port.Close()
		b.wg.Wait()
	})
}
