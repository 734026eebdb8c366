package serialascii

import (
	"bytes"
	"testing"

	"github.com/questrail/gocan/internal/canframe"
)

func TestEncodeStandardFrame(t *testing.T) {
	fr, err := canframe.New(0x123, []byte{0x01, 0x02, 0x03}, false, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := Codec{}.Encode(fr)
	want := "t1233010203\r"
	if string(got) != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestEncodeExtendedFrame(t *testing.T) {
	fr, err := canframe.New(0x1ABCDE, []byte{0xDE, 0xAD}, true, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := Codec{}.Encode(fr)
	want := "T001ABCDE2DEAD\r"
	if string(got) != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestEncodeZeroDLCRoundTrips(t *testing.T) {
	fr, err := canframe.New(0x7FF, nil, false, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wire := Codec{}.Encode(fr)
	acc := bytes.NewBuffer(wire)
	var got []canframe.Frame
	DecodeRecords(acc, func(f canframe.Frame) { got = append(got, f) }, nil)
	if len(got) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(got))
	}
	if got[0].ID != fr.ID || got[0].DLC() != 0 || got[0].Extended {
		t.Fatalf("round trip mismatch: got %+v", got[0])
	}
}

// TestDecodeRecords_Chunked mirrors the teacher's chunked-feed stress test:
// frames are fed through DecodeRecords in irregular byte counts to stress
// buffer accumulation and partial-record handling.
func TestDecodeRecords_Chunked(t *testing.T) {
	want := []canframe.Frame{
		mustFrame(t, 0x1E5, []byte{0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7}, false),
		mustFrame(t, 0x1F55ABA, []byte{0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}, true),
		mustFrame(t, 0x456, []byte{0x9A, 0xBC}, false),
		mustFrame(t, 0x1ABCDEF, []byte{0xDE, 0xAD, 0xBE}, true),
	}

	var stream []byte
	codec := Codec{}
	for _, fr := range want {
		stream = append(stream, codec.Encode(fr)...)
	}

	var acc bytes.Buffer
	var got []canframe.Frame
	onFrame := func(fr canframe.Frame) { got = append(got, fr) }

	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		acc.Write(stream[pos : pos+n])
		pos += n
		DecodeRecords(&acc, onFrame, nil)
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Extended != want[i].Extended ||
			!bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestDecodeRecords_IgnoresRemoteFrames(t *testing.T) {
	acc := bytes.NewBuffer([]byte("r1238\rt00120304\r"))
	var got []canframe.Frame
	DecodeRecords(acc, func(f canframe.Frame) { got = append(got, f) }, nil)
	if len(got) != 1 {
		t.Fatalf("expected remote frame record to be ignored, got %d frames", len(got))
	}
	if got[0].ID != 0x001 {
		t.Fatalf("unexpected surviving frame: %+v", got[0])
	}
}

func TestDecodeRecords_RoutesNonFrameRecordsToResponse(t *testing.T) {
	acc := bytes.NewBuffer([]byte("Z\rt0010\r"))
	var responses []string
	var frames []canframe.Frame
	DecodeRecords(acc, func(f canframe.Frame) { frames = append(frames, f) }, func(rec string) { responses = append(responses, rec) })
	if len(responses) != 1 || responses[0] != "Z" {
		t.Fatalf("expected one response record %q, got %v", "Z", responses)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
}

func TestDecodeRecords_BELTerminatorAlsoSplitsRecords(t *testing.T) {
	acc := bytes.NewBuffer([]byte("t0010\x07t00220102\r"))
	var got []canframe.Frame
	DecodeRecords(acc, func(f canframe.Frame) { got = append(got, f) }, nil)
	if len(got) != 2 {
		t.Fatalf("decoded %d frames, want 2", len(got))
	}
}

func TestDecodeRecords_MalformedRecordDiscardedWithoutAbort(t *testing.T) {
	acc := bytes.NewBuffer([]byte("tZZZ9\rt00120304\r"))
	var got []canframe.Frame
	DecodeRecords(acc, func(f canframe.Frame) { got = append(got, f) }, nil)
	if len(got) != 1 {
		t.Fatalf("expected malformed record to be dropped and decoding to continue, got %d frames", len(got))
	}
	if got[0].ID != 0x001 {
		t.Fatalf("unexpected surviving frame: %+v", got[0])
	}
}

func TestDecodeRecords_TruncatedRecordDiscarded(t *testing.T) {
	acc := bytes.NewBuffer([]byte("t00180102\r"))
	var got []canframe.Frame
	DecodeRecords(acc, func(f canframe.Frame) { got = append(got, f) }, nil)
	if len(got) != 0 {
		t.Fatalf("expected truncated record (DLC=8 but only 2 payload bytes) to be discarded, got %d", len(got))
	}
}

func TestDecodeRecords_PartialRecordHeldAcrossCalls(t *testing.T) {
	var acc bytes.Buffer
	var got []canframe.Frame
	onFrame := func(f canframe.Frame) { got = append(got, f) }

	acc.WriteString("t0011")
	DecodeRecords(&acc, onFrame, nil)
	if len(got) != 0 {
		t.Fatalf("expected no frame before terminator, got %d", len(got))
	}
	acc.WriteString("03\r")
	DecodeRecords(&acc, onFrame, nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 frame after terminator arrives, got %d", len(got))
	}
}

func mustFrame(t *testing.T, id uint32, payload []byte, extended bool) canframe.Frame {
	t.Helper()
	fr, err := canframe.New(id, payload, extended, 0)
	if err != nil {
		t.Fatalf("canframe.New(%x): %v", id, err)
	}
	return fr
}
