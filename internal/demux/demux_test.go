package demux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/questrail/gocan/internal/canframe"
)

// fakeReceiver hands out frames pushed onto a channel, returning (false) on
// a poll timeout when empty.
type fakeReceiver struct {
	frames chan canframe.Frame
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{frames: make(chan canframe.Frame, 16)}
}

func (r *fakeReceiver) push(fr canframe.Frame) { r.frames <- fr }

func (r *fakeReceiver) NextMessage(ctx context.Context, timeout time.Duration) (canframe.Frame, bool) {
	select {
	case fr := <-r.frames:
		return fr, true
	case <-ctx.Done():
		return canframe.Frame{}, false
	case <-time.After(20 * time.Millisecond):
		return canframe.Frame{}, false
	}
}

func mustFrame(t *testing.T, id uint32, extended bool) canframe.Frame {
	t.Helper()
	fr, err := canframe.New(id, []byte{1}, extended, 0)
	if err != nil {
		t.Fatalf("canframe.New: %v", err)
	}
	return fr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

// idPtr is a tiny helper since Go has no literal address-of for a constant.
func idPtr(id uint32) *uint32 { return &id }

func TestDispatch_WildcardAndSpecificHandlers(t *testing.T) {
	recv := newFakeReceiver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, recv)
	defer d.Shutdown()

	var mu sync.Mutex
	var h1, h2, h3, hg []canframe.Frame
	record := func(dst *[]canframe.Frame) Handler {
		return func(fr canframe.Frame) {
			mu.Lock()
			*dst = append(*dst, fr)
			mu.Unlock()
		}
	}

	d.AddReceiveHandler(record(&h1), idPtr(0x123), false)
	d.AddReceiveHandler(record(&h2), idPtr(0x1234), false)
	d.AddReceiveHandler(record(&h3), idPtr(0x12345), false)
	d.AddReceiveHandler(record(&hg), nil, false)

	recv.push(mustFrame(t, 0x123, false))
	recv.push(mustFrame(t, 0x1234, false))
	recv.push(mustFrame(t, 0x12345, false))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hg) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if len(h1) != 1 || h1[0].ID != 0x123 {
		t.Fatalf("h1 = %+v, want exactly frame 0x123", h1)
	}
	if len(h2) != 1 || h2[0].ID != 0x1234 {
		t.Fatalf("h2 = %+v, want exactly frame 0x1234", h2)
	}
	if len(h3) != 1 || h3[0].ID != 0x12345 {
		t.Fatalf("h3 = %+v, want exactly frame 0x12345", h3)
	}
	if len(hg) != 3 {
		t.Fatalf("hg = %+v, want all three frames", hg)
	}
}

func TestDispatch_ExtendedFlagMustMatch(t *testing.T) {
	recv := newFakeReceiver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, recv)
	defer d.Shutdown()

	var mu sync.Mutex
	var stdHits, extHits int
	d.AddReceiveHandler(func(fr canframe.Frame) {
		mu.Lock()
		stdHits++
		mu.Unlock()
	}, nil, false)
	d.AddReceiveHandler(func(fr canframe.Frame) {
		mu.Lock()
		extHits++
		mu.Unlock()
	}, nil, true)

	recv.push(mustFrame(t, 0x10, true))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return extHits == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if stdHits != 0 {
		t.Fatalf("standard-flag handler fired on an extended frame: %d hits", stdHits)
	}
}

func TestRemoveReceiveHandler_StopsFutureDispatch(t *testing.T) {
	recv := newFakeReceiver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, recv)
	defer d.Shutdown()

	var mu sync.Mutex
	hits := 0
	id := d.AddReceiveHandler(func(fr canframe.Frame) {
		mu.Lock()
		hits++
		mu.Unlock()
	}, nil, false)

	recv.push(mustFrame(t, 0x1, false))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	})

	if !d.RemoveReceiveHandler(id) {
		t.Fatalf("RemoveReceiveHandler returned false for a live subscription")
	}
	if d.RemoveReceiveHandler(id) {
		t.Fatalf("RemoveReceiveHandler should fail the second time for the same id")
	}

	recv.push(mustFrame(t, 0x1, false))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("handler fired after removal: hits=%d", hits)
	}
}

func TestDispatch_PanickingHandlerIsIsolated(t *testing.T) {
	recv := newFakeReceiver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, recv)
	defer d.Shutdown()

	var mu sync.Mutex
	secondRan := false
	d.AddReceiveHandler(func(fr canframe.Frame) {
		panic("boom")
	}, nil, false)
	d.AddReceiveHandler(func(fr canframe.Frame) {
		mu.Lock()
		secondRan = true
		mu.Unlock()
	}, nil, false)

	recv.push(mustFrame(t, 0x1, false))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondRan
	})
}

func TestAddReceiveHandler_DuplicateIDsBothRegister(t *testing.T) {
	recv := newFakeReceiver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, recv)
	defer d.Shutdown()

	id1 := d.AddReceiveHandler(func(canframe.Frame) {}, nil, false)
	id2 := d.AddReceiveHandler(func(canframe.Frame) {}, nil, false)
	if id1 == id2 {
		t.Fatalf("two distinct registrations must get distinct subscription ids")
	}
}
