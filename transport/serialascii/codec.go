// Package serialascii implements the LAWICEL-style ASCII CAN adapter: a
// serial port running the CANUSB/CAN232 command set, described exactly in
// spec.md §4.2 and §6. It is grounded on questrail/pycan's canusb.py and on
// the teacher repo's internal/serial package (port abstraction over
// tarm/serial, accumulate-and-split receive loop), rewritten for ASCII hex
// framing instead of the teacher's binary UART framing.
package serialascii

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/metrics"
)

// Wire constants, per spec.md §6.
const (
	cr  = 0x0D
	bel = 0x07
)

// Codec encodes/decodes LAWICEL ASCII CAN frames. Stateless and safe for
// concurrent use; DecodeRecords is not concurrency-safe against itself over
// the same buffer (callers own one decode loop per adapter, as the backend
// does).
type Codec struct{}

// Encode renders fr as a LAWICEL outbound data-frame command, terminated by
// CR. Extended frames use "T" + 8 hex ID digits; standard frames use "t" + 3
// hex ID digits. Both continue with one hex DLC digit and 2*DLC hex payload
// bytes.
func (Codec) Encode(fr canframe.Frame) []byte {
	var buf bytes.Buffer
	if fr.Extended {
		fmt.Fprintf(&buf, "T%08X", fr.ID&canframe.MaxExtendedID)
	} else {
		fmt.Fprintf(&buf, "t%03X", fr.ID&canframe.MaxStandardID)
	}
	fmt.Fprintf(&buf, "%X", fr.DLC())
	for _, b := range fr.Payload {
		fmt.Fprintf(&buf, "%02X", b)
	}
	buf.WriteByte(cr)
	return buf.Bytes()
}

// DecodeRecords splits acc on the record terminator set {CR, BEL} and hands
// each complete record to either onFrame (for a recognized T/t data-frame
// record) or onResponse (for any other record, e.g. command acks like "Z" or
// bus-state replies). Remote-frame records (R/r) are silently ignored per
// spec.md §4.2. Malformed records (bad hex, wrong width) are discarded
// without aborting the caller; a malformed-frame counter is bumped.
// Consumed bytes are dropped from acc; a trailing partial record is left in
// place for the next call.
func DecodeRecords(acc *bytes.Buffer, onFrame func(canframe.Frame), onResponse func(string)) {
	for {
		data := acc.Bytes()
		idx := bytes.IndexAny(data, "\r\x07")
		if idx < 0 {
			return
		}
		record := string(data[:idx])
		acc.Next(idx + 1)
		if record == "" {
			continue
		}
		decodeOneRecord(record, onFrame, onResponse)
	}
}

func decodeOneRecord(record string, onFrame func(canframe.Frame), onResponse func(string)) {
	hdr := record[0]
	switch hdr {
	case 'T', 't':
		fr, ok := decodeDataRecord(record)
		if !ok {
			metrics.IncMalformed()
			return
		}
		if onFrame != nil {
			onFrame(fr)
		}
	case 'R', 'r':
		// Remote frames are not supported (spec.md Non-goals); ignore.
	default:
		if onResponse != nil {
			onResponse(record)
		}
	}
}

// decodeDataRecord parses a single "T..."/"t..." record body (without the
// terminator) into a Frame. Field widths are fixed: extended IDs are 8 hex
// digits, standard IDs are 3; both are followed by 1 hex DLC digit, then
// 2*DLC hex payload bytes, then an optional 4-hex timestamp (millisecond
// units from the device, upshifted to microseconds).
func decodeDataRecord(record string) (canframe.Frame, bool) {
	extended := record[0] == 'T'
	idWidth := 3
	if extended {
		idWidth = 8
	}
	if len(record) < 1+idWidth+1 {
		return canframe.Frame{}, false
	}
	id, err := strconv.ParseUint(record[1:1+idWidth], 16, 32)
	if err != nil {
		return canframe.Frame{}, false
	}
	dlcPos := 1 + idWidth
	dlc, err := strconv.ParseUint(record[dlcPos:dlcPos+1], 16, 8)
	if err != nil || dlc > canframe.MaxPayloadLen {
		return canframe.Frame{}, false
	}
	payloadStart := dlcPos + 1
	payloadEnd := payloadStart + int(dlc)*2
	if len(record) < payloadEnd {
		return canframe.Frame{}, false
	}
	payload, err := hex.DecodeString(record[payloadStart:payloadEnd])
	if err != nil {
		return canframe.Frame{}, false
	}
	var timestamp uint64
	if rest := record[payloadEnd:]; len(rest) == 4 {
		ms, err := strconv.ParseUint(rest, 16, 32)
		if err == nil {
			timestamp = ms * 1000
		}
	} else if len(rest) != 0 {
		return canframe.Frame{}, false
	}
	fr, err := canframe.New(uint32(id), payload, extended, timestamp)
	if err != nil {
		return canframe.Frame{}, false
	}
	return fr, true
}
