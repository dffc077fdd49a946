// Package observer implements the passive stream-consumer future surface
// of spec.md §4.1: Start/AwaitDone/Cancel/Done/Running/Cancelled plus the
// internal SetResult/SetException used by Command and Event to report
// their outcome.
//
// The future shape itself has no direct analogue in the teacher (DCC-EX
// commands there are synchronous session calls), but the ordering it
// enforces — write only after subscribing, single-fire completion,
// cooperative cancellation with guaranteed subscription teardown — is
// lifted from roosterfish-dcc-ex-go/protocol.Protocol.Read's cleanup
// handshake (cancel the delivery goroutine, wait for it to actually stop,
// only then touch shared state).
package observer

import (
	"sync"
	"time"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// State is one of the four lifecycle stages spec.md §3 lists for an
// Observer.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Stream is the subset of *conn.FanOut an Observer needs: subscribe to
// inbound chunks and write outbound bytes.
type Stream interface {
	Subscribe(fn conn.Subscriber) conn.CleanupFunc
	Send(p []byte) error
}

// Feeder is implemented by Observer subclasses (Command, Event) to consume
// inbound chunks. Feed must not block and must swallow its own panics —
// the Base recovers around the call regardless, per spec.md's intake
// contract.
type Feeder interface {
	Feed(chunk conn.Chunk)
}

// DoneFunc is invoked when an Observer reaches a terminal state.
type DoneFunc func(o *Base)

// Base is the concrete Observer implementation Command and Event embed.
type Base struct {
	stream    Stream
	scheduler *scheduler.Scheduler
	feeder    Feeder

	mu          sync.Mutex
	state       State
	startTime   time.Time
	timeout     time.Duration
	result      any
	failure     error
	doneCh      chan struct{}
	doneOnce    sync.Once
	unsubscribe conn.CleanupFunc
	timeoutH    scheduler.Handle
	doneSubs    map[int]DoneFunc
	nextSubID   int
}

// New constructs an Observer bound to stream, driven by sched for its
// timeout. feeder receives every inbound chunk once the Observer starts.
func New(stream Stream, sched *scheduler.Scheduler, feeder Feeder) *Base {
	return &Base{
		stream:    stream,
		scheduler: sched,
		feeder:    feeder,
		state:     StateCreated,
		doneCh:    make(chan struct{}),
		doneSubs:  make(map[int]DoneFunc),
	}
}

// Start subscribes the Observer's intake to the connection and arms its
// timeout. Fails with errkind.AlreadyStarted if not in StateCreated.
func (b *Base) Start(timeout time.Duration) error {
	b.mu.Lock()
	if b.state != StateCreated {
		b.mu.Unlock()
		return errkind.NewAlreadyStarted()
	}
	b.state = StateRunning
	b.startTime = time.Now()
	b.timeout = timeout
	b.mu.Unlock()

	unsubscribe := b.stream.Subscribe(func(chunk conn.Chunk, lost bool, cause error) {
		if lost {
			b.terminalFeed(nil, errkind.NewConnectionLost(cause))
			return
		}
		b.safeFeed(chunk)
	})

	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	if timeout > 0 && b.scheduler != nil {
		h := b.scheduler.CallLater(timeout, b.onTimeout)
		b.mu.Lock()
		b.timeoutH = h
		b.mu.Unlock()
	}

	return nil
}

// safeFeed invokes the Feeder, converting any panic into SetException per
// spec.md's intake contract ("must swallow its own exceptions").
func (b *Base) safeFeed(chunk conn.Chunk) {
	if b.isTerminal() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.terminalFeed(nil, errkind.NewInternal(toError(r)))
		}
	}()
	b.feeder.Feed(chunk)
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicValue{r}
}

type panicValue struct{ v any }

func (p *panicValue) Error() string { return "panic: " + toString(p.v) }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return "unknown panic value"
}

func (b *Base) onTimeout() {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return
	}
	start := b.startTime
	b.mu.Unlock()

	now := time.Now()
	b.terminalFeed(nil, errkind.NewTimeout(start, now, now.Sub(start)))
}

// terminalFeed is the single path every terminal transition goes through:
// set result/failure, remove the subscription, close doneCh, then invoke
// done-subscribers — in that order, matching spec.md's happens-before
// chain (SetResult/SetException -> doneSubscriber -> AwaitDone return).
func (b *Base) terminalFeed(result any, failure error) {
	b.mu.Lock()
	if b.state == StateDone || b.state == StateCancelled {
		b.mu.Unlock()
		return
	}
	b.state = StateDone
	b.result = result
	b.failure = failure
	unsubscribe := b.unsubscribe
	timeoutH := b.timeoutH
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if timeoutH != nil {
		timeoutH.Cancel()
	}

	b.doneOnce.Do(func() { close(b.doneCh) })
	b.notifyDoneSubscribers()
}

// SetResult completes the Observer successfully. Legal exactly once.
func (b *Base) SetResult(v any) { b.terminalFeed(v, nil) }

// SetException completes the Observer with a failure. Legal exactly once.
func (b *Base) SetException(err error) { b.terminalFeed(nil, err) }

// Cancel transitions the Observer to StateCancelled. Idempotent: calling
// Cancel twice, or calling it after the Observer is already done, has no
// effect on a state that was already terminal.
func (b *Base) Cancel() {
	b.mu.Lock()
	if b.state == StateDone || b.state == StateCancelled {
		b.mu.Unlock()
		return
	}
	b.state = StateCancelled
	b.failure = errkind.NewCancelled()
	unsubscribe := b.unsubscribe
	timeoutH := b.timeoutH
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if timeoutH != nil {
		timeoutH.Cancel()
	}

	b.doneOnce.Do(func() { close(b.doneCh) })
	b.notifyDoneSubscribers()
}

func (b *Base) notifyDoneSubscribers() {
	b.mu.Lock()
	subs := make([]DoneFunc, 0, len(b.doneSubs))
	for _, fn := range b.doneSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(b)
	}
}

// AwaitDone blocks until the Observer reaches a terminal state or its
// deadline passes, whichever comes first. Per spec.md §4.1, when the
// Observer was started with its own timeout, the effective deadline is
// start_time + start_timeout regardless of the timeout passed here; the
// parameter only governs the wait when the Observer has no start timeout
// of its own (e.g. Start(0)).
func (b *Base) AwaitDone(timeout time.Duration) (any, error) {
	deadline := b.effectiveDeadline(timeout)

	select {
	case <-b.doneCh:
		return b.Result()
	case <-time.After(time.Until(deadline)):
		now := time.Now()
		b.mu.Lock()
		start := b.startTime
		b.mu.Unlock()
		b.terminalFeed(nil, errkind.NewTimeout(start, now, now.Sub(start)))
		return b.Result()
	}
}

func (b *Base) effectiveDeadline(awaitTimeout time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timeout > 0 {
		return b.startTime.Add(b.timeout)
	}
	return time.Now().Add(awaitTimeout)
}

// Result returns the stored result and failure (mirroring the Python
// Future contract: a completed failure is returned as the second value by
// Result(), and AwaitDone propagates it to the caller as an error).
func (b *Base) Result() (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateDone && b.state != StateCancelled {
		return nil, errkind.NewNotDone()
	}
	return b.result, b.failure
}

// Exception returns the stored failure, or nil if the Observer completed
// successfully or has not terminated yet.
func (b *Base) Exception() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

func (b *Base) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateDone || b.state == StateCancelled
}

func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning
}

func (b *Base) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateCancelled
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) StartTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startTime
}

func (b *Base) isTerminal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateDone || b.state == StateCancelled
}

// Send writes p to the underlying stream, used by Command to write its
// command string after subscribing.
func (b *Base) Send(p []byte) error { return b.stream.Send(p) }

// AddDoneSubscriber registers fn to be invoked once the Observer reaches a
// terminal state. If the Observer is already terminal, fn is invoked
// immediately on the caller's goroutine, per spec.md §4.1.
func (b *Base) AddDoneSubscriber(fn DoneFunc) int {
	b.mu.Lock()
	if b.state == StateDone || b.state == StateCancelled {
		b.mu.Unlock()
		fn(b)
		return -1
	}
	id := b.nextSubID
	b.nextSubID++
	b.doneSubs[id] = fn
	b.mu.Unlock()
	return id
}

// RemoveDoneSubscriber removes a subscription registered by
// AddDoneSubscriber. Negative ids (from an already-terminal registration)
// are a no-op.
func (b *Base) RemoveDoneSubscriber(id int) {
	if id < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.doneSubs, id)
}
