//go:build windows

// Package vendorusb implements the vendor USB DLL CAN back-end (modeled on
// Kvaser's canlib32.dll), grounded on
// original_source/pycan/drivers/kvaser.py's ctypes/windll calls. Go has no
// ctypes equivalent; golang.org/x/sys/windows's LazyDLL/LazyProc is the
// idiomatic substitute the ecosystem uses for calling into a vendor DLL, the
// same way the teacher reaches for golang.org/x/sys/unix on the SocketCAN
// side.
package vendorusb

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// canlib32Lib calls into canlib32.dll via LazyDLL/LazyProc.
type canlib32Lib struct {
	dll *windows.LazyDLL

	initializeLibrary  *windows.LazyProc
	openChannel        *windows.LazyProc
	busOn              *windows.LazyProc
	busOff             *windows.LazyProc
	flushReceiveQueue  *windows.LazyProc
	flushTransmitQueue *windows.LazyProc
	setBusParams       *windows.LazyProc
	writeWait          *windows.LazyProc
	readWait           *windows.LazyProc
}

func openLib() (Lib, error) {
	dll := windows.NewLazySystemDLL("canlib32.dll")
	l := &canlib32Lib{
		dll:                dll,
		initializeLibrary:  dll.NewProc("canInitializeLibrary"),
		openChannel:        dll.NewProc("canOpenChannel"),
		busOn:              dll.NewProc("canBusOn"),
		busOff:             dll.NewProc("canBusOff"),
		flushReceiveQueue:  dll.NewProc("canFlushReceiveQueue"),
		flushTransmitQueue: dll.NewProc("canFlushTransmitQueue"),
		setBusParams:       dll.NewProc("canSetBusParams"),
		writeWait:          dll.NewProc("canWriteWait"),
		readWait:           dll.NewProc("canReadWait"),
	}
	if err := l.dll.Load(); err != nil {
		return nil, fmt.Errorf("vendorusb: load canlib32.dll: %w", err)
	}
	_, _, _ = l.initializeLibrary.Call()
	return l, nil
}

func (l *canlib32Lib) OpenChannel(channel int, flags int8) (int32, error) {
	h, _, _ := l.openChannel.Call(uintptr(channel), uintptr(flags))
	handle := int32(h)
	if handle < 0 {
		return 0, fmt.Errorf("vendorusb: canOpenChannel failed: status %d", handle)
	}
	return handle, nil
}

func (l *canlib32Lib) BusOn(handle int32) error {
	_, _, _ = l.busOn.Call(uintptr(handle))
	return nil
}

func (l *canlib32Lib) BusOff(handle int32) error {
	_, _, _ = l.busOff.Call(uintptr(handle))
	return nil
}

func (l *canlib32Lib) FlushReceiveQueue(handle int32) error {
	_, _, _ = l.flushReceiveQueue.Call(uintptr(handle))
	return nil
}

func (l *canlib32Lib) FlushTransmitQueue(handle int32) error {
	_, _, _ = l.flushTransmitQueue.Call(uintptr(handle))
	return nil
}

// SetBusParams matches canSetBusParams(handle, baud, tseg1, tseg2, sjw,
// sampleCount, syncmode=0).
func (l *canlib32Lib) SetBusParams(handle int32, p BusParams) error {
	_, _, _ = l.setBusParams.Call(
		uintptr(handle),
		uintptr(p.Baud),
		uintptr(p.Tseg1),
		uintptr(p.Tseg2),
		uintptr(p.SJW),
		uintptr(p.SampleCount),
		uintptr(0),
	)
	return nil
}

// WriteWait matches canWriteWait(handle, id, &data, dlc, flag, timeoutMs).
// flag is 2 for a standard frame, 4 for extended, per kvaser.py.
func (l *canlib32Lib) WriteWait(handle int32, id uint32, data []byte, extended bool, timeoutMs uint32) error {
	flag := uintptr(2)
	if extended {
		flag = 4
	}
	var buf [8]byte
	copy(buf[:], data)
	status, _, _ := l.writeWait.Call(
		uintptr(handle),
		uintptr(id),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(data)),
		flag,
		uintptr(timeoutMs),
	)
	if int32(status) < 0 {
		return fmt.Errorf("vendorusb: canWriteWait failed: status %d", int32(status))
	}
	return nil
}

// ReadWait matches canReadWait(handle, &id, &msg, &dlc, &flags, &time,
// timeoutMs). Flag bit 1 (value 2) means standard, bit 2 (value 4) means
// extended; other bit patterns are unsupported, per kvaser.py.
func (l *canlib32Lib) ReadWait(handle int32, timeoutMs uint32) (RxResult, error) {
	var id, dlc, flags, rxTime uint32
	var data [8]byte
	status, _, _ := l.readWait.Call(
		uintptr(handle),
		uintptr(unsafe.Pointer(&id)),
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(unsafe.Pointer(&dlc)),
		uintptr(unsafe.Pointer(&flags)),
		uintptr(unsafe.Pointer(&rxTime)),
		uintptr(timeoutMs),
	)
	if int32(status) < 0 {
		return RxResult{}, fmt.Errorf("vendorusb: canReadWait failed: status %d", int32(status))
	}
	if dlc > 8 {
		dlc = 8
	}
	return RxResult{
		ID:        id,
		Data:      append([]byte(nil), data[:dlc]...),
		DLC:       int(dlc),
		Flags:     flags,
		Timestamp: rxTime,
	}, nil
}
