package serialascii

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability, matching the teacher's
// internal/serial.Port shape.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Flush discards any bytes already buffered in the OS's input queue
	// (tarm/serial's *serial.Port implements this directly).
	Flush() error
	Close() error
}

// OpenPort is a package variable so tests can stub it out.
var OpenPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
