package gocan

import (
	"context"
	"testing"
	"time"

	"github.com/questrail/gocan/internal/transport"
)

// countingAdapter is a minimal transport.Adapter whose Send always succeeds
// without ever producing anything NextMessage could return, isolating
// loopbackAdapter's own queue behavior from any backing transport.
type countingAdapter struct {
	sent int
}

func (a *countingAdapter) Send(fr Frame) bool {
	a.sent++
	return true
}
func (a *countingAdapter) NextMessage(ctx context.Context, timeout time.Duration) (Frame, bool) {
	<-ctx.Done()
	return Frame{}, false
}
func (a *countingAdapter) LifetimeSent() uint64     { return uint64(a.sent) }
func (a *countingAdapter) LifetimeReceived() uint64 { return 0 }
func (a *countingAdapter) Shutdown()                {}

var _ transport.Adapter = (*countingAdapter)(nil)

func TestLoopbackAdapter_QueueFullFailsSendEvenThoughUnderlyingSendSucceeded(t *testing.T) {
	inner := &countingAdapter{}
	l := newLoopbackAdapter(inner, 1)

	if !l.Send(mustFrame(t, 0x1, nil)) {
		t.Fatalf("first Send should succeed and fill the queue")
	}
	if l.Send(mustFrame(t, 0x2, nil)) {
		t.Fatalf("second Send should report failure once the loopback queue is full")
	}
	if inner.sent != 2 {
		t.Fatalf("inner adapter should have accepted both sends, got %d", inner.sent)
	}
}

func TestLoopbackAdapter_NextMessagePrefersQueuedFrameOverInner(t *testing.T) {
	inner := &countingAdapter{}
	l := newLoopbackAdapter(inner, 4)

	fr := mustFrame(t, 0x42, []byte{9})
	if !l.Send(fr) {
		t.Fatalf("Send failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := l.NextMessage(ctx, 100*time.Millisecond)
	if !ok {
		t.Fatalf("expected queued frame")
	}
	if got.ID != fr.ID {
		t.Fatalf("got ID 0x%X, want 0x%X", got.ID, fr.ID)
	}
}

func TestLoopbackAdapter_NextMessageFallsThroughWhenQueueEmpty(t *testing.T) {
	inner := &countingAdapter{}
	l := newLoopbackAdapter(inner, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok := l.NextMessage(ctx, 20*time.Millisecond)
	if ok {
		t.Fatalf("expected no frame when both the loopback queue and inner adapter are empty")
	}
}
