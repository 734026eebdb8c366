// Package relay implements an optional TCP monitor/relay: a small
// accept-loop server that broadcasts inbound frames to connected clients and
// accepts frames those clients want transmitted, fanning both directions
// through the Server's client table. It is layered on top of the core
// facade, not part of it.
package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/metrics"
)

// idExtendedFlag mirrors the SocketCAN convention of carrying the
// extended/29-bit flag in the high bit of the wire identifier, so the
// 4-byte id field doubles as both the CAN id and its frame-format flag
// without a separate wire byte.
const idExtendedFlag = 0x80000000

// Codec encodes/decodes relay frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a decoded length is outside 0..8.
var ErrInvalidLength = errors.New("relay: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("relay: truncated frame")

// Encode packs frames into a single wire buffer.
func (c *Codec) Encode(frames []canframe.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 1 + canframe.MaxPayloadLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns the
// number of bytes written. Each frame is: 4-byte BE id (bit 31 set when
// Extended), 1-byte length, payload.
func (c *Codec) EncodeTo(w io.Writer, frames []canframe.Frame) (int, error) {
	var total int
	for _, f := range frames {
		wireID := f.ID
		if f.Extended {
			wireID |= idExtendedFlag
		}
		var idb [4]byte
		binary.BigEndian.PutUint32(idb[:], wireID)
		n, err := w.Write(idb[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("relay encode id: %w", err)
		}
		if _, err := w.Write([]byte{byte(len(f.Payload))}); err != nil {
			total++
			return total, fmt.Errorf("relay encode len: %w", err)
		}
		total++
		if len(f.Payload) > 0 {
			n, err = w.Write(f.Payload)
			total += n
			if err != nil {
				return total, fmt.Errorf("relay encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF if called at a
// clean frame boundary with no more data available.
func (c *Codec) Decode(r io.Reader) (canframe.Frame, error) {
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return canframe.Frame{}, err
	}
	wireID := binary.BigEndian.Uint32(idb[:])
	extended := wireID&idExtendedFlag != 0
	id := wireID &^ idExtendedFlag

	var lb [1]byte
	n, err := r.Read(lb[:])
	if err != nil {
		return canframe.Frame{}, err
	}
	if n == 0 {
		return canframe.Frame{}, io.EOF
	}
	ln := int(lb[0])
	if ln > canframe.MaxPayloadLen {
		metrics.IncMalformed()
		return canframe.Frame{}, fmt.Errorf("relay decode: %w (%d)", ErrInvalidLength, ln)
	}
	payload := make([]byte, ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return canframe.Frame{}, fmt.Errorf("relay decode payload: %w", ErrTruncatedFrame)
			}
			return canframe.Frame{}, fmt.Errorf("relay decode payload: %w", err)
		}
	}
	fr, err := canframe.New(id, payload, extended, 0)
	if err != nil {
		metrics.IncMalformed()
		return canframe.Frame{}, fmt.Errorf("relay decode: %w", err)
	}
	return fr, nil
}

// DecodeN decodes up to max frames (max<=0 means until EOF), invoking
// onFrame for each. It returns the count decoded and the terminal error
// (which may be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(canframe.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
