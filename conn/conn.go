// Package conn defines the abstract byte-oriented connection spec.md §2.1
// describes and the fan-out multicaster (spec.md §2.2, §4.4) that sits on
// top of it: one reader goroutine decodes and timestamps inbound bytes,
// a single FIFO queue isolates that reader from subscriber processing, and
// every live subscriber sees every chunk in arrival order.
//
// Grounded on roosterfish-dcc-ex-go/protocol.Protocol: its listen loop
// (read raw bytes, turn them into domain events, notify subscriber
// channels) and its Read method (UUID-keyed subscription map, a
// context.WithCancel + sync.WaitGroup cleanup handshake so a caller's
// cleanup() blocks until its delivery goroutine has actually stopped).
// Here the domain event is a decoded, timestamped text chunk instead of a
// parsed DCC-EX command, and delivery fans out to arbitrarily many
// observers instead of three fixed subscription maps.
package conn

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is the abstract bidirectional byte channel every transport
// (serial, ssh, telnet, local shell, adb) implements. The core only ever
// depends on this interface; concrete transports live under transport/.
type Connection interface {
	// Open prepares the connection for use. Open is not required to be
	// idempotent; calling Open twice is a caller error.
	Open() error
	// Send writes bytes to the transport. Send blocks only on the
	// transport's write buffer, never on subscriber processing.
	Send(p []byte) error
	// Close releases the transport. Closing an already-closed Connection
	// returns nil.
	Close() error
	// Closed reports whether Close has been called. The transports in this
	// module do not set it on a read failure; FanOut.LastError reports the
	// error that ended reading.
	Closed() bool
}

// Chunk is one decoded inbound unit of text, timestamped as early as
// possible after being read off the wire (spec.md's InboundChunk).
type Chunk struct {
	Bytes     []byte
	Text      string
	Timestamp time.Time
}

// Subscriber receives every Chunk dispatched after it subscribes, plus a
// terminal notification (lost=true, with the read error as cause) if the
// connection is lost.
type Subscriber func(chunk Chunk, lost bool, cause error)

// CleanupFunc removes a subscription. It blocks until the subscriber's
// delivery goroutine has fully stopped, guaranteeing no further calls to
// the Subscriber function occur after CleanupFunc returns.
type CleanupFunc func()

// Decoder turns raw bytes into chunks of text.
type Decoder func(raw []byte) string

// DefaultDecoder converts the bytes to a string unchanged. Invalid UTF-8
// sequences are not replaced here; they stay in Chunk.Text as read, and
// Go's regexp and range loops see each invalid byte as U+FFFD.
func DefaultDecoder(raw []byte) string { return string(raw) }

type subscription struct {
	id uuid.UUID
	fn Subscriber
}

// FanOut wraps a raw Connection, decoding and timestamping each inbound
// read and multicasting it to every subscriber through a single worker
// goroutine isolated from the reader, so a slow subscriber cannot back-
// pressure the transport (spec.md §4.4).
type FanOut struct {
	conn    Connection
	decode  Decoder
	onChunk func(Chunk) // optional raw-log hook, called before dispatch

	subMu sync.Mutex
	subs  map[uuid.UUID]chan dispatchItem

	queue     chan dispatchItem
	closeOnce sync.Once
	closed    chan struct{}
	lastErr   error
	lastErrMu sync.Mutex
}

type dispatchItem struct {
	chunk Chunk
	lost  bool
	cause error
}

// NewFanOut wraps conn and starts its reader and dispatch-queue worker.
// reader is the io.Reader to pull raw bytes from (typically the
// Connection itself if it also implements io.Reader).
func NewFanOut(c Connection, reader io.Reader, decode Decoder, onChunk func(Chunk)) *FanOut {
	if decode == nil {
		decode = DefaultDecoder
	}

	f := &FanOut{
		conn:    c,
		decode:  decode,
		onChunk: onChunk,
		subs:    make(map[uuid.UUID]chan dispatchItem),
		queue:   make(chan dispatchItem, 64),
		closed:  make(chan struct{}),
	}

	go f.dispatchLoop()
	go f.readLoop(reader)

	return f
}

// readLoop is the reader goroutine: it never touches the subscriber map
// directly, only ever pushes onto the single processing queue, so a slow
// subscriber cannot block the next Read call.
func (f *FanOut) readLoop(reader io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			raw := make([]byte, n)
			copy(raw, buf[:n])
			chunk := Chunk{Bytes: raw, Text: f.decode(raw), Timestamp: time.Now()}
			if f.onChunk != nil {
				f.onChunk(chunk)
			}
			f.enqueue(dispatchItem{chunk: chunk})
		}
		if err != nil {
			f.setLastErr(err)
			f.enqueue(dispatchItem{lost: true, cause: err})
			return
		}
	}
}

func (f *FanOut) enqueue(item dispatchItem) {
	select {
	case f.queue <- item:
	case <-f.closed:
	}
}

// dispatchLoop drains the single FIFO queue and delivers each item to a
// snapshot of current per-subscriber channels, preserving arrival order
// for every subscriber (spec.md's ordering invariant).
func (f *FanOut) dispatchLoop() {
	for item := range f.queue {
		f.subMu.Lock()
		targets := make([]chan dispatchItem, 0, len(f.subs))
		for _, ch := range f.subs {
			targets = append(targets, ch)
		}
		f.subMu.Unlock()

		for _, ch := range targets {
			ch <- item
		}

		if item.lost {
			f.closeOnce.Do(func() { close(f.closed) })
			return
		}
	}
}

func (f *FanOut) setLastErr(err error) {
	f.lastErrMu.Lock()
	f.lastErr = err
	f.lastErrMu.Unlock()
}

// LastError returns the error that caused connection loss, if any.
func (f *FanOut) LastError() error {
	f.lastErrMu.Lock()
	defer f.lastErrMu.Unlock()
	return f.lastErr
}

// Subscribe registers fn to receive every Chunk dispatched from this point
// forward. The returned CleanupFunc must be called exactly once; after it
// returns, fn is guaranteed not to be invoked again. Chunks queued for fn
// but not yet delivered when CleanupFunc is called may be dropped.
func (f *FanOut) Subscribe(fn Subscriber) CleanupFunc {
	id := uuid.New()
	perSub := make(chan dispatchItem, 256)

	f.subMu.Lock()
	f.subs[id] = perSub
	f.subMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case item := <-perSub:
				fn(item.chunk, item.lost, item.cause)
				if item.lost {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()

			f.subMu.Lock()
			delete(f.subs, id)
			f.subMu.Unlock()
		})
	}
}

// Send delegates to the wrapped Connection.
func (f *FanOut) Send(p []byte) error { return f.conn.Send(p) }

// Close closes the wrapped Connection. It does not itself stop the
// dispatch loop; that happens naturally once readLoop observes the
// resulting read error and enqueues the lost notification.
func (f *FanOut) Close() error { return f.conn.Close() }
