package observer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

type fakeStream struct {
	sub  conn.Subscriber
	sent [][]byte
}

func (f *fakeStream) Subscribe(fn conn.Subscriber) conn.CleanupFunc {
	f.sub = fn
	return func() { f.sub = nil }
}

func (f *fakeStream) Send(p []byte) error {
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeStream) push(text string) {
	if f.sub != nil {
		f.sub(conn.Chunk{Text: text, Timestamp: time.Now()}, false, nil)
	}
}

func (f *fakeStream) lose(cause error) {
	if f.sub != nil {
		f.sub(conn.Chunk{}, true, cause)
	}
}

type recordingFeeder struct {
	base *Base
	seen []string
}

func (r *recordingFeeder) Feed(chunk conn.Chunk) {
	r.seen = append(r.seen, chunk.Text)
	if chunk.Text == "done" {
		r.base.SetResult("ok")
	}
}

// Starting twice fails with AlreadyStarted.
func TestStartTwiceFails(t *testing.T) {
	stream := &fakeStream{}
	feeder := &recordingFeeder{}
	base := New(stream, scheduler.New(), feeder)
	feeder.base = base

	require.NoError(t, base.Start(0))
	err := base.Start(0)
	assert.True(t, errors.Is(err, errkind.AlreadyStarted))
}

// SetResult happens-before a done subscriber, which happens-before
// AwaitDone's return.
func TestHappensBeforeOrdering(t *testing.T) {
	stream := &fakeStream{}
	feeder := &recordingFeeder{}
	base := New(stream, scheduler.New(), feeder)
	feeder.base = base

	var subscriberRan bool
	base.AddDoneSubscriber(func(b *Base) {
		subscriberRan = true
		result, _ := b.Result()
		assert.Equal(t, "ok", result)
	})

	require.NoError(t, base.Start(0))
	stream.push("done")

	result, err := base.AwaitDone(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, subscriberRan)
}

// A timeout forces the observer done with a Timeout failure and unblocks
// any awaiter.
func TestTimeoutForcesDone(t *testing.T) {
	stream := &fakeStream{}
	feeder := &recordingFeeder{}
	sched := scheduler.New()
	base := New(stream, sched, feeder)
	feeder.base = base

	require.NoError(t, base.Start(20*time.Millisecond))

	_, err := base.AwaitDone(time.Second)
	assert.True(t, errors.Is(err, errkind.Timeout))
	assert.True(t, base.Done())
}

// Connection loss completes the observer with ConnectionLost.
func TestConnectionLossCompletesObserver(t *testing.T) {
	stream := &fakeStream{}
	feeder := &recordingFeeder{}
	base := New(stream, scheduler.New(), feeder)
	feeder.base = base

	require.NoError(t, base.Start(time.Second))
	stream.lose(errors.New("broken pipe"))

	_, err := base.AwaitDone(time.Second)
	assert.True(t, errors.Is(err, errkind.ConnectionLost))
}

// Cancel is idempotent and unblocks AwaitDone.
func TestCancelIdempotent(t *testing.T) {
	stream := &fakeStream{}
	feeder := &recordingFeeder{}
	base := New(stream, scheduler.New(), feeder)
	feeder.base = base

	require.NoError(t, base.Start(time.Second))
	base.Cancel()
	base.Cancel()

	assert.True(t, base.Cancelled())
	_, err := base.Result()
	assert.True(t, errors.Is(err, errkind.Cancelled))
}

// AddDoneSubscriber on an already-terminal observer invokes fn immediately.
func TestAddDoneSubscriberAfterTerminalInvokesImmediately(t *testing.T) {
	stream := &fakeStream{}
	feeder := &recordingFeeder{}
	base := New(stream, scheduler.New(), feeder)
	feeder.base = base

	require.NoError(t, base.Start(0))
	stream.push("done")
	_, _ = base.AwaitDone(time.Second)

	var invoked bool
	id := base.AddDoneSubscriber(func(*Base) { invoked = true })
	assert.True(t, invoked)
	assert.Equal(t, -1, id)
}
