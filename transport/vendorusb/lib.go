package vendorusb

// BusParams configures the CAN controller timing. Defaults (per kvaser.py's
// update_bus_parameters) target 250k baud at roughly a 75% sample point.
type BusParams struct {
	Baud        int32
	Tseg1       uint32
	Tseg2       uint32
	SJW         uint32
	SampleCount uint32
}

// DefaultBusParams matches the vendor driver's own defaults.
var DefaultBusParams = BusParams{
	Baud:        250000,
	Tseg1:       5,
	Tseg2:       2,
	SJW:         2,
	SampleCount: 1,
}

// RxResult is one frame read from the device, before the extended/standard
// flag bits have been interpreted.
type RxResult struct {
	ID        uint32
	Data      []byte
	DLC       int
	Flags     uint32
	Timestamp uint32
}

// standardFlagBit and extendedFlagBit are the rx_flags bit positions the
// vendor driver uses to report frame format: bit 1 = standard, bit 2 =
// extended; any other pattern is unsupported (spec'd in kvaser.py's
// next-message flag check).
const (
	standardFlagBit = 1
	extendedFlagBit = 2
)

// Format reports whether flags encodes a standard or extended frame. ok is
// false for any other bit pattern, which the driver does not support.
func (r RxResult) Format() (extended bool, ok bool) {
	if r.Flags>>standardFlagBit&1 != 0 {
		return false, true
	}
	if r.Flags>>extendedFlagBit&1 != 0 {
		return true, true
	}
	return false, false
}

// Lib is the capability contract for the vendor DLL, implemented by
// canlib32Lib (Windows) and a stub (every other platform), and fakeable in
// tests.
type Lib interface {
	OpenChannel(channel int, flags int8) (handle int32, err error)
	BusOn(handle int32) error
	BusOff(handle int32) error
	FlushReceiveQueue(handle int32) error
	FlushTransmitQueue(handle int32) error
	SetBusParams(handle int32, p BusParams) error
	WriteWait(handle int32, id uint32, data []byte, extended bool, timeoutMs uint32) error
	ReadWait(handle int32, timeoutMs uint32) (RxResult, error)
}

// OpenLib is a package variable so tests can stub it out; it resolves to
// openLib, which is platform-specific (canlib32.dll on Windows, an
// unsupported-platform error everywhere else).
var OpenLib = openLib
