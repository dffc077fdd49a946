package device

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrigger-labs/shellwatch/command"
	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

const connected StateName = "CONNECTED"

// connectFactory builds the factory for a "connect" command that completes
// once the fake connection emits readyPattern.
func connectFactory(readyPattern *regexp.Regexp, errPatterns ...*regexp.Regexp) CommandFactory {
	return func(d *Device, params map[string]any) (*command.Command, error) {
		cfg := command.Config{
			Line:           "connect",
			ExpectedPrompt: readyPattern,
			ErrorPatterns:  errPatterns,
		}
		return command.New(d.Stream(), d.Scheduler(), cfg, d.Streams()), nil
	}
}

func newTestDevice(t *testing.T, graph []Hop) (*Device, *conn.Fake) {
	t.Helper()
	fake := conn.NewFake()
	sched := scheduler.New()
	cfg := Config{
		Name:           "dev1",
		InitialState:   NotConnected,
		Graph:          graph,
		HomeState:      NotConnected,
		DefaultTimeout: time.Second,
		Reconnect:      ReconnectConfig{Enabled: false},
	}
	d := New(cfg, fake, fake, sched, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d, fake
}

// GotoState executes the registered hop command and lands on the target
// state once the hop's expected prompt appears.
func TestGotoStateSucceeds(t *testing.T) {
	ready := regexp.MustCompile(`READY`)
	d, fake := newTestDevice(t, []Hop{
		{From: NotConnected, To: connected, Command: "connect", ExpectedPrompt: "READY"},
	})
	d.RegisterCommand(NotConnected, "connect", connectFactory(ready))

	go func() {
		time.Sleep(15 * time.Millisecond)
		fake.FeedString("READY\n")
	}()

	require.NoError(t, d.GotoState(connected, time.Second))
	assert.Equal(t, connected, d.CurrentState())
}

// GotoState is idempotent when the target equals the current state.
func TestGotoStateIdempotentWhenAlreadyThere(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	require.NoError(t, d.GotoState(NotConnected, time.Second))
}

// A hop whose command fails leaves the device at the last successfully
// reached state and surfaces a HopFailure wrapping the command's failure.
func TestGotoStateHopFailureLeavesDeviceAtLastGoodState(t *testing.T) {
	ready := regexp.MustCompile(`READY`)
	denied := regexp.MustCompile(`(?i)denied`)
	d, fake := newTestDevice(t, []Hop{
		{From: NotConnected, To: connected, Command: "connect", ExpectedPrompt: "READY"},
	})
	d.RegisterCommand(NotConnected, "connect", connectFactory(ready, denied))

	go func() {
		time.Sleep(15 * time.Millisecond)
		fake.FeedString("Permission denied\n")
	}()

	err := d.GotoState(connected, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.HopFailure))
	assert.True(t, errors.Is(err, errkind.CommandFailure))
	assert.Equal(t, NotConnected, d.CurrentState())
}

// GetCmd rejects a name not registered for the current state.
func TestGetCmdNotAllowedForCurrentState(t *testing.T) {
	d, _ := newTestDevice(t, nil)

	_, err := d.GetCmd("ls", nil)
	assert.True(t, errors.Is(err, errkind.NotAllowed))
}

// Every transition notifies state-change subscribers after the new state
// is stored.
func TestStateChangeNotificationFiresAfterStateStored(t *testing.T) {
	ready := regexp.MustCompile(`READY`)
	d, fake := newTestDevice(t, []Hop{
		{From: NotConnected, To: connected, Command: "connect", ExpectedPrompt: "READY"},
	})
	d.RegisterCommand(NotConnected, "connect", connectFactory(ready))

	var seenFrom, seenTo StateName
	var stateAtNotifyTime StateName
	d.AddStateChangeSubscriber(func(ev StateChange) {
		seenFrom = ev.From
		seenTo = ev.To
		stateAtNotifyTime = d.CurrentState()
	})

	go func() {
		time.Sleep(15 * time.Millisecond)
		fake.FeedString("READY\n")
	}()

	require.NoError(t, d.GotoState(connected, time.Second))
	assert.Equal(t, NotConnected, seenFrom)
	assert.Equal(t, connected, seenTo)
	assert.Equal(t, connected, stateAtNotifyTime)
}

// Connection loss while the device is connected transitions it back to
// NOT_CONNECTED and fires a state-change notification with that reason.
func TestConnectionLossTransitionsToNotConnected(t *testing.T) {
	ready := regexp.MustCompile(`READY`)
	d, fake := newTestDevice(t, []Hop{
		{From: NotConnected, To: connected, Command: "connect", ExpectedPrompt: "READY"},
	})
	d.RegisterCommand(NotConnected, "connect", connectFactory(ready))

	go func() {
		time.Sleep(15 * time.Millisecond)
		fake.FeedString("READY\n")
	}()
	require.NoError(t, d.GotoState(connected, time.Second))

	var reason string
	done := make(chan struct{})
	d.AddStateChangeSubscriber(func(ev StateChange) {
		if ev.Reason == "connection_lost" {
			reason = ev.Reason
			close(done)
		}
	})

	require.NoError(t, fake.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection_lost notification")
	}
	assert.Equal(t, "connection_lost", reason)
	assert.Equal(t, NotConnected, d.CurrentState())
}

// Close on an already-closed Device is a no-op.
func TestCloseTwiceIsNoop(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}
