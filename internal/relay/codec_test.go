package relay

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/questrail/gocan/internal/canframe"
)

func mkFrame(t *testing.T, id uint32, extended bool, n int) canframe.Frame {
	t.Helper()
	payload := make([]byte, n)
	_, _ = rand.Read(payload)
	fr, err := canframe.New(id, payload, extended, 0)
	if err != nil {
		t.Fatalf("canframe.New: %v", err)
	}
	return fr
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []canframe.Frame{
		mkFrame(t, 0x1E5, false, 8),
		mkFrame(t, 0x1F5, false, 6),
		mkFrame(t, 0x12345, true, 0),
	}

	wire := codec.Encode(in)
	var out []canframe.Frame
	br := bytes.NewReader(wire)
	n, err := codec.DecodeN(br, 0, func(fr canframe.Frame) { out = append(out, fr) })
	if err != io.EOF && err != nil {
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d frames, want %d", n, len(in))
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].Extended != in[i].Extended || string(out[i].Payload) != string(in[i].Payload) {
			t.Fatalf("frame %d mismatch: got %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []canframe.Frame{mkFrame(t, 0x10, false, 8), mkFrame(t, 0x11, true, 3)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, frames); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCodec_DecodeRejectsOverlongLength(t *testing.T) {
	codec := Codec{}
	var bad bytes.Buffer
	bad.Write([]byte{0, 0, 0, 1})
	bad.WriteByte(9)
	if _, err := codec.Decode(&bad); err == nil {
		t.Fatalf("expected error for invalid length")
	}
}

func TestCodec_DecodeRejectsTruncatedPayload(t *testing.T) {
	codec := Codec{}
	var trunc bytes.Buffer
	trunc.Write([]byte{0, 0, 0, 2})
	trunc.WriteByte(5)
	trunc.Write([]byte{1, 2, 3})
	if _, err := codec.Decode(&trunc); err == nil {
		t.Fatalf("expected truncated-frame error")
	}
}

func TestCodec_DecodeAtCleanBoundaryReturnsEOF(t *testing.T) {
	codec := Codec{}
	if _, err := codec.Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("Decode on empty reader = %v, want io.EOF", err)
	}
}
