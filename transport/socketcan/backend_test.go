package socketcan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/questrail/gocan/internal/canframe"
)

var errClosed = errors.New("fake device closed")

// fakeDev is an in-memory Dev: writes are recorded, and ReadFrame blocks on
// a channel fed by the test until one is pushed or the device is closed.
type fakeDev struct {
	mu     sync.Mutex
	writes []canframe.Frame
	rx     chan canframe.Frame
	closed bool
}

func newFakeDev() *fakeDev {
	return &fakeDev{rx: make(chan canframe.Frame, 16)}
}

func (d *fakeDev) WriteFrame(fr canframe.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, fr)
	return nil
}

func (d *fakeDev) ReadFrame() (canframe.Frame, error) {
	fr, ok := <-d.rx
	if !ok {
		return canframe.Frame{}, errClosed
	}
	return fr, nil
}

func (d *fakeDev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.rx)
	}
	return nil
}

func (d *fakeDev) writeLog() []canframe.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]canframe.Frame(nil), d.writes...)
}

func withFakeDevice(t *testing.T) (*fakeDev, func()) {
	t.Helper()
	fd := newFakeDev()
	orig := OpenDevice
	OpenDevice = func(iface string) (Dev, error) { return fd, nil }
	return fd, func() { OpenDevice = orig }
}

func TestBackend_SendWritesThroughDevice(t *testing.T) {
	fd, restore := withFakeDevice(t)
	defer restore()

	b, err := OpenBackend(context.Background(), "can0")
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer b.Shutdown()

	fr, _ := canframe.New(0x100, []byte{1, 2, 3}, false, 0)
	if !b.Send(fr) {
		t.Fatalf("Send returned false")
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && b.LifetimeSent() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if b.LifetimeSent() != 1 {
		t.Fatalf("LifetimeSent = %d, want 1", b.LifetimeSent())
	}
	writes := fd.writeLog()
	if len(writes) != 1 || writes[0].ID != 0x100 {
		t.Fatalf("unexpected write log: %+v", writes)
	}
}

func TestBackend_NextMessageDeliversInboundFrame(t *testing.T) {
	fd, restore := withFakeDevice(t)
	defer restore()

	b, err := OpenBackend(context.Background(), "can0")
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer b.Shutdown()

	want, _ := canframe.New(0x1ABCDEF, []byte{9, 9}, true, 0)
	fd.rx <- want

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.NextMessage(ctx, 500*time.Millisecond)
	if !ok {
		t.Fatalf("expected a frame")
	}
	if got.ID != want.ID || !got.Extended {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if b.LifetimeReceived() != 1 {
		t.Fatalf("LifetimeReceived = %d, want 1", b.LifetimeReceived())
	}
}

func TestBackend_NextMessageTimesOutWhenEmpty(t *testing.T) {
	_, restore := withFakeDevice(t)
	defer restore()

	b, err := OpenBackend(context.Background(), "can0")
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer b.Shutdown()

	_, ok := b.NextMessage(context.Background(), 20*time.Millisecond)
	if ok {
		t.Fatalf("expected timeout")
	}
}

func TestBackend_ShutdownIsIdempotentAndClosesDevice(t *testing.T) {
	fd, restore := withFakeDevice(t)
	defer restore()

	b, err := OpenBackend(context.Background(), "can0")
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	b.Shutdown()
	b.Shutdown()

	fd.mu.Lock()
	closed := fd.closed
	fd.mu.Unlock()
	if !closed {
		t.Fatalf("expected device to be closed after Shutdown")
	}
}
