package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/event"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

type fakeStream struct {
	sub conn.Subscriber
}

func (f *fakeStream) Subscribe(fn conn.Subscriber) conn.CleanupFunc {
	f.sub = fn
	return func() { f.sub = nil }
}

func (f *fakeStream) Send(p []byte) error { return nil }

func (f *fakeStream) push(text string) {
	if f.sub != nil {
		f.sub(conn.Chunk{Text: text, Timestamp: time.Now()}, false, nil)
	}
}

// New's pattern fires on an ALARM line and Reason extracts its text.
func TestAlarmFiresAndReasonExtractsText(t *testing.T) {
	stream := &fakeStream{}
	ev := New(stream, scheduler.New(), Options{}, nil, nil)
	require.NoError(t, ev.Start(0))

	var got string
	ev.Subscribe(func(occ event.Occurrence) { got = Reason(occ) })

	stream.push("ALARM: overtemp\n")
	assert.Equal(t, "overtemp", got)
}

// MaxMatches self-terminates the alarm watch after the configured count.
func TestAlarmMaxMatches(t *testing.T) {
	stream := &fakeStream{}
	ev := New(stream, scheduler.New(), Options{MaxMatches: 1}, nil, nil)
	require.NoError(t, ev.Start(time.Second))

	stream.push("ALARM: overvoltage\n")

	_, err := ev.AwaitDone(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Matches())
}
