// Package process implements conn.Connection over a local subprocess's
// stdio pipes, for the "local shell" device family of spec.md §1.
//
// No repo in the retrieved pack ships a PTY or terminal-control library,
// so this transport is written directly against os/exec rather than a
// third-party dependency; see DESIGN.md for that justification. The
// read/write/close shape still follows roosterfish-dcc-ex-go/connection.
// Connection's Open/Close lifecycle, generalized from "open a serial
// port" to "start a subprocess and expose its stdio pipes".
package process

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/outrigger-labs/shellwatch/conn"
)

// Config describes the subprocess to start.
type Config struct {
	// Name is the executable; Args are passed verbatim.
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Connection is a conn.Connection backed by a subprocess's stdin/stdout.
type Connection struct {
	cfg Config

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	closed bool
}

var _ conn.Connection = (*Connection)(nil)

// New constructs a Connection that has not yet started its subprocess.
func New(cfg Config) *Connection {
	return &Connection{cfg: cfg}
}

// Open starts the subprocess and wires its stdio pipes.
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return nil
	}

	cmd := exec.Command(c.cfg.Name, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = c.cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: start %q: %w", c.cfg.Name, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	return nil
}

// Send writes p to the subprocess's stdin.
func (c *Connection) Send(p []byte) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process: %q not started", c.cfg.Name)
	}
	_, err := stdin.Write(p)
	return err
}

// Read pulls bytes from the subprocess's combined stdout/stderr stream,
// satisfying the io.Reader conn.NewFanOut needs.
func (c *Connection) Read(p []byte) (int, error) {
	c.mu.Lock()
	stdout := c.stdout
	c.mu.Unlock()
	if stdout == nil {
		return 0, fmt.Errorf("process: %q not started", c.cfg.Name)
	}
	return stdout.Read(p)
}

// Close closes stdin (signalling EOF to the subprocess) and waits for it
// to exit. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed || c.cmd == nil {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	_ = stdin.Close()
	return cmd.Wait()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
