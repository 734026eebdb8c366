package canframe

import (
	"errors"
	"testing"
)

func TestNewValidatesPayloadLength(t *testing.T) {
	_, err := New(0x100, make([]byte, 9), false, 0)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestNewValidatesStandardID(t *testing.T) {
	if _, err := New(MaxStandardID, nil, false, 0); err != nil {
		t.Fatalf("boundary standard id rejected: %v", err)
	}
	if _, err := New(MaxStandardID+1, nil, false, 0); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestNewValidatesExtendedID(t *testing.T) {
	if _, err := New(MaxExtendedID, nil, true, 0); err != nil {
		t.Fatalf("boundary extended id rejected: %v", err)
	}
	if _, err := New(MaxExtendedID+1, nil, true, 0); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestNewZeroPayloadRoundTrips(t *testing.T) {
	f, err := New(0x123, nil, false, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.DLC() != 0 {
		t.Fatalf("expected DLC 0, got %d", f.DLC())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f, _ := New(1, []byte{1, 2, 3}, false, 0)
	g := f.Clone()
	g.Payload[0] = 0xFF
	if f.Payload[0] == 0xFF {
		t.Fatalf("Clone shares backing array with original")
	}
}

func TestIDMaskFilterMatch(t *testing.T) {
	filt := IDMaskFilter{Mask: 0xFFF, Code: 0x123, Extended: false}
	match, _ := New(0x123, nil, false, 0)
	mismatchID, _ := New(0x124, nil, false, 0)
	mismatchExt, _ := New(0x123, nil, true, 0)

	if !filt.Match(match) {
		t.Fatalf("expected match for identical id")
	}
	if filt.Match(mismatchID) {
		t.Fatalf("expected no match for differing id")
	}
	if filt.Match(mismatchExt) {
		t.Fatalf("expected no match for differing extended flag")
	}
}
