//go:build !linux

package socketcan

import (
	"errors"

	"github.com/questrail/gocan/internal/canframe"
)

// ErrUnsupportedPlatform is returned by Open on non-Linux builds: SocketCAN
// is a Linux kernel facility with no portable equivalent.
var ErrUnsupportedPlatform = errors.New("socketcan: unsupported on this platform")

// Device is a stub so non-Linux builds compile; Open always fails.
type Device struct{}

func Open(iface string) (*Device, error) { return nil, ErrUnsupportedPlatform }

func (d *Device) Close() error { return nil }

func (d *Device) ReadFrame() (canframe.Frame, error) {
	return canframe.Frame{}, ErrUnsupportedPlatform
}

func (d *Device) WriteFrame(fr canframe.Frame) error { return ErrUnsupportedPlatform }
