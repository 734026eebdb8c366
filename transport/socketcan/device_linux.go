//go:build linux

// Package socketcan implements the Linux SocketCAN back-end: a raw AF_CAN
// socket bound to a CAN network interface. Grounded on the teacher's
// internal/socketcan package (same unix.Socket/Bind/Read/Write sequence and
// struct can_frame layout), generalized from the teacher's
// CANID/Len/Data[64]byte frame to canframe.Frame with extended/standard
// flag handling via the SocketCAN EFF bit.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/questrail/gocan/internal/canframe"
)

// SocketCAN can_id flag bits, per <linux/can.h>.
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
	sffMask = 0x7FF
	effMask = 0x1FFFFFFF
)

// Device is a raw AF_CAN socket bound to one network interface.
type Device struct {
	fd int
}

// Open binds a raw CAN_RAW socket to iface (e.g. "can0").
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic CAN frame from the raw CAN socket.
func (d *Device) ReadFrame() (canframe.Frame, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return canframe.Frame{}, err
	}
	if n != unix.CAN_MTU {
		return canframe.Frame{}, fmt.Errorf("short read: %d", n)
	}

	// struct can_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	rawID := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc < 0 || dlc > canframe.MaxPayloadLen {
		dlc = canframe.MaxPayloadLen
	}

	extended := rawID&effFlag != 0
	id := rawID & effMask
	if !extended {
		id = rawID & sffMask
	}
	return canframe.New(id, buf[8:8+dlc], extended, 0)
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr canframe.Frame) error {
	var buf [unix.CAN_MTU]byte
	id := fr.ID
	if fr.Extended {
		id = (id & effMask) | effFlag
	} else {
		id &= sffMask
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(fr.DLC())
	copy(buf[8:], fr.Payload)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
