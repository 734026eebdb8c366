// Package configsel is the config-selector collaborator: it reads a
// key-value file and instantiates one back-end transport adapter by name.
// It is explicitly an outer collaborator (spec Non-goals exclude the
// configuration-file loader itself from the core under test), but it still
// has to exist for the daemon to pick a back-end at start-up.
package configsel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/questrail/gocan/internal/metrics"
	"github.com/questrail/gocan/internal/transport"
	"github.com/questrail/gocan/transport/serialascii"
	"github.com/questrail/gocan/transport/simtransport"
	"github.com/questrail/gocan/transport/socketcan"
	"github.com/questrail/gocan/transport/vendorusb"
)

// Back-end selection names, matching the original pycan driver factory's
// "selection" values (plus SOCKETCAN, which the original pycan driver set
// never had).
const (
	CANUSB    = "CANUSB"
	Kvaser    = "Kvaser"
	SimCAN    = "SIM_CAN"
	SocketCAN = "SOCKETCAN"
)

// ErrUnknownSelection is returned when the config file names a back-end
// this build does not recognize. Facade construction must not proceed.
var ErrUnknownSelection = errors.New("configsel: unknown back-end selection")

// Open reads the INI file at path, determines the [defaults]/selection
// back-end, and opens it. It mirrors
// original_source/pycan/drivers/factory.py's get_driver: a [defaults]
// section carries the `selection` key (plus any keys shared across
// back-ends), and a section named after the selection carries back-end
// specific keys, read with section-specific defaults for any keys missing.
func Open(parent context.Context, path string) (transport.Adapter, string, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("configsel: load %s: %w", path, err)
	}

	defaults := cfg.Section("defaults")
	selection := defaults.Key("selection").String()

	switch selection {
	case CANUSB:
		adapter, err := openCANUSB(parent, cfg.Section(selection))
		return adapter, selection, err
	case Kvaser:
		adapter, err := openKvaser(parent, cfg.Section(selection))
		return adapter, selection, err
	case SimCAN:
		adapter, err := openSimCAN(parent, cfg.Section(selection))
		return adapter, selection, err
	case SocketCAN:
		adapter, err := openSocketCAN(parent, cfg.Section(selection))
		return adapter, selection, err
	default:
		metrics.IncError(metrics.ErrConfigSelection)
		return nil, selection, fmt.Errorf("%w: %q", ErrUnknownSelection, selection)
	}
}

func openCANUSB(parent context.Context, sec *ini.Section) (transport.Adapter, error) {
	cfg := serialascii.Config{
		Device:      sec.Key("device").MustString("/dev/ttyUSB0"),
		SerialBaud:  sec.Key("serial_baud").MustInt(115200),
		CANBitRate:  sec.Key("can_bitrate").MustInt(serialascii.DefaultBitRate),
		ReadTimeout: time.Duration(sec.Key("read_timeout_ms").MustInt(50)) * time.Millisecond,
	}
	backend, err := serialascii.Open(parent, cfg)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func openKvaser(parent context.Context, sec *ini.Section) (transport.Adapter, error) {
	cfg := vendorusb.Config{
		Channel: sec.Key("channel").MustInt(0),
		BusParams: vendorusb.BusParams{
			Baud:        int32(sec.Key("baud").MustInt(int(vendorusb.DefaultBusParams.Baud))),
			Tseg1:       uint32(sec.Key("tseg1").MustInt(int(vendorusb.DefaultBusParams.Tseg1))),
			Tseg2:       uint32(sec.Key("tseg2").MustInt(int(vendorusb.DefaultBusParams.Tseg2))),
			SJW:         uint32(sec.Key("sjw").MustInt(int(vendorusb.DefaultBusParams.SJW))),
			SampleCount: uint32(sec.Key("sample_count").MustInt(int(vendorusb.DefaultBusParams.SampleCount))),
		},
	}
	backend, err := vendorusb.Open(parent, cfg)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func openSimCAN(parent context.Context, sec *ini.Section) (transport.Adapter, error) {
	cfg := simtransport.Config{
		RxRate:  time.Duration(sec.Key("rx_rate_ms").MustInt(10)) * time.Millisecond,
		TxDelay: time.Duration(sec.Key("tx_delay_us").MustInt(500)) * time.Microsecond,
	}
	return simtransport.New(parent, cfg), nil
}

func openSocketCAN(parent context.Context, sec *ini.Section) (transport.Adapter, error) {
	iface := sec.Key("interface").MustString("can0")
	backend, err := socketcan.OpenBackend(parent, iface)
	if err != nil {
		return nil, err
	}
	return backend, nil
}
