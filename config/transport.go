package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/transport/process"
	"github.com/outrigger-labs/shellwatch/transport/serial"
)

// TransportFactory opens the conn.Connection (and its matching io.Reader)
// for a ConnectionDesc's io_type.
type TransportFactory func(desc ConnectionDesc) (conn.Connection, io.Reader, error)

// DefaultTransports wires the two concrete transports this module ships:
// "serial" (go.bug.st/serial, variant = device path) and "process"
// (os/exec, variant = a shell command line). Additional io_types (ssh,
// telnet, adb) are left to callers per spec.md §1's Non-goals — no pack
// dependency grounds a concrete implementation of those.
func DefaultTransports() map[string]TransportFactory {
	return map[string]TransportFactory{
		"serial": func(desc ConnectionDesc) (conn.Connection, io.Reader, error) {
			c := serial.New(serial.NewDefaultConfig(desc.Variant))
			return c, c, nil
		},
		"process": func(desc ConnectionDesc) (conn.Connection, io.Reader, error) {
			fields := strings.Fields(desc.Variant)
			if len(fields) == 0 {
				return nil, nil, fmt.Errorf("process transport: empty variant")
			}
			c := process.New(process.Config{Name: fields[0], Args: fields[1:]})
			return c, c, nil
		},
	}
}
