// Package canframe defines the immutable CAN frame value type shared by every
// transport adapter, the cyclic scheduler, and the inbound demultiplexer.
package canframe

import (
	"errors"
	"fmt"
)

// Identifier limits, mirroring the SocketCAN/LAWICEL conventions.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxPayloadLen = 8
)

// ErrInvalidID is returned when an identifier exceeds the range implied by
// the extended flag.
var ErrInvalidID = errors.New("canframe: id out of range")

// ErrInvalidPayload is returned when a payload exceeds MaxPayloadLen.
var ErrInvalidPayload = errors.New("canframe: payload too long")

// Frame is the immutable CAN message value type. Construct with New; once
// built a Frame is safe to share across goroutines because its Payload is
// never mutated in place (callers that need to mutate should build a new
// Frame via Clone).
type Frame struct {
	ID        uint32
	Payload   []byte
	Extended  bool
	Timestamp uint64 // microseconds since a transport-defined epoch; 0 = unknown
}

// New validates and builds a Frame. It is the sole construction path that
// enforces the DLC/ID invariants from the data model: dlc == len(payload),
// dlc <= 8, and id within the range implied by extended.
func New(id uint32, payload []byte, extended bool, timestamp uint64) (Frame, error) {
	if len(payload) > MaxPayloadLen {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidPayload, len(payload))
	}
	max := uint32(MaxStandardID)
	if extended {
		max = MaxExtendedID
	}
	if id > max {
		return Frame{}, fmt.Errorf("%w: 0x%X (extended=%v)", ErrInvalidID, id, extended)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return Frame{ID: id, Payload: cp, Extended: extended, Timestamp: timestamp}, nil
}

// DLC returns the data length code, derived from the payload.
func (f Frame) DLC() int { return len(f.Payload) }

// Clone returns a deep copy, useful when a caller wants to mutate a Frame
// that a CyclicEntry or handler already holds a reference to.
func (f Frame) Clone() Frame {
	cp := make([]byte, len(f.Payload))
	copy(cp, f.Payload)
	return Frame{ID: f.ID, Payload: cp, Extended: f.Extended, Timestamp: f.Timestamp}
}

func (f Frame) String() string {
	kind := "std"
	if f.Extended {
		kind = "ext"
	}
	return fmt.Sprintf("%s id=0x%X dlc=%d payload=% X ts=%d", kind, f.ID, len(f.Payload), f.Payload, f.Timestamp)
}
