package conn

import (
	"io"
	"sync"
)

// Fake is an in-memory Connection used by tests across this module,
// replacing the teacher's fake serial port with a fake text stream. Feed
// pushes bytes as if they arrived from the transport; Written records
// everything sent through Send.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	closed  bool
	written [][]byte
}

// NewFake returns a ready-to-use Fake connection.
func NewFake() *Fake {
	f := &Fake{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

var _ Connection = (*Fake)(nil)
var _ io.Reader = (*Fake)(nil)

func (f *Fake) Open() error { return nil }

func (f *Fake) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Feed injects inbound bytes as if read from the transport.
func (f *Fake) Feed(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.pending = append(f.pending, cp)
	f.cond.Broadcast()
}

// FeedString is a convenience wrapper around Feed.
func (f *Fake) FeedString(s string) { f.Feed([]byte(s)) }

// Read implements io.Reader, blocking until data is fed or the connection
// is closed.
func (f *Fake) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.pending) == 0 && !f.closed {
		f.cond.Wait()
	}

	if len(f.pending) == 0 && f.closed {
		return 0, io.EOF
	}

	chunk := f.pending[0]
	f.pending = f.pending[1:]
	n := copy(buf, chunk)
	if n < len(chunk) {
		// Put back what didn't fit, preserving order.
		f.pending = append([][]byte{chunk[n:]}, f.pending...)
	}
	return n, nil
}

// Written returns every slice handed to Send, in order.
func (f *Fake) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}
