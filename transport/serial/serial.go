// Package serial implements conn.Connection over a real serial port using
// go.bug.st/serial, for the "serial AT console" device family of spec.md
// §1.
//
// Grounded on roosterfish-dcc-ex-go/connection/connection.go: same
// default 115200 baud mode, same NewDefaultConfig/Open/Close shape. There
// the opened port was wrapped by the teacher's own protocol.Protocol;
// here it is handed directly to conn.NewFanOut as both the io.Reader and
// the conn.Connection, since go.bug.st/serial's Port already satisfies
// io.ReadWriteCloser.
package serial

import (
	"fmt"
	"sync"

	"go.bug.st/serial"

	"github.com/outrigger-labs/shellwatch/conn"
)

// Mode re-exports go.bug.st/serial's mode type so callers configuring a
// device never need to import go.bug.st/serial directly.
type Mode = serial.Mode

// DefaultMode matches the teacher's default: 115200 8N1.
var DefaultMode = &serial.Mode{BaudRate: 115200}

// Config parameterizes a serial Connection.
type Config struct {
	Device string
	Mode   *serial.Mode
}

// NewDefaultConfig mirrors connection.NewDefaultConfig.
func NewDefaultConfig(device string) Config {
	return Config{Device: device, Mode: DefaultMode}
}

// Connection is a conn.Connection backed by an open serial port.
type Connection struct {
	cfg  Config
	mu   sync.Mutex
	port serial.Port
}

var _ conn.Connection = (*Connection)(nil)

// New constructs a Connection that has not yet opened its port.
func New(cfg Config) *Connection {
	if cfg.Mode == nil {
		cfg.Mode = DefaultMode
	}
	return &Connection{cfg: cfg}
}

// Open opens the configured serial device.
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	port, err := serial.Open(c.cfg.Device, c.cfg.Mode)
	if err != nil {
		return fmt.Errorf("serial: open %q: %w", c.cfg.Device, err)
	}
	c.port = port
	return nil
}

// Send writes p to the port.
func (c *Connection) Send(p []byte) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return fmt.Errorf("serial: %q not open", c.cfg.Device)
	}
	_, err := port.Write(p)
	return err
}

// Close closes the port. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// Closed reports whether the port has been closed (or never opened).
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port == nil
}

// Read satisfies io.Reader so a *Connection can also serve as the reader
// conn.NewFanOut pulls bytes from.
func (c *Connection) Read(p []byte) (int, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return 0, fmt.Errorf("serial: %q not open", c.cfg.Device)
	}
	return port.Read(p)
}
