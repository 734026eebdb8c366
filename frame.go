// Package gocan is the Comm Facade: a hardware-agnostic CAN access library
// composing one transport back-end (see the transport/* subpackages) with a
// cyclic scheduler and an inbound demultiplexer into a single handle.
package gocan

import "github.com/questrail/gocan/internal/canframe"

// Frame is the immutable CAN message value type every back-end and the
// facade itself exchange. It is an alias onto internal/canframe.Frame so a
// consumer only ever needs to import gocan plus one transport/* package.
type Frame = canframe.Frame

// IDMaskFilter matches frames by (id & Mask) == (Mask & Code), restricted to
// frames whose Extended flag equals the filter's own.
type IDMaskFilter = canframe.IDMaskFilter

// NewFrame validates and builds a Frame; see canframe.New for the exact
// DLC/ID invariants enforced.
func NewFrame(id uint32, payload []byte, extended bool, timestamp uint64) (Frame, error) {
	return canframe.New(id, payload, extended, timestamp)
}
