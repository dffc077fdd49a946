// Package integration exercises spec.md §8's concrete scenarios across
// the conn/observer/command/event packages together, the way a single
// teacher package test would but spanning package boundaries since the
// scenario is inherently about their interaction.
package integration

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrigger-labs/shellwatch/command"
	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/event"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

type discardRaw struct{}

func (discardRaw) Outbound(string)          {}
func (discardRaw) MainInfo(string, ...any)  {}
func (discardRaw) MainError(string, ...any) {}

// spec.md §8 scenario 4: an Event watching for "ALARM" and a long-running
// Command share one connection. The alarm fires exactly once and the
// command still completes with its parsed result, independently.
func TestTwoObserversOnOneConnection(t *testing.T) {
	fake := conn.NewFake()
	fan := conn.NewFanOut(fake, fake, conn.DefaultDecoder, nil)
	defer fan.Close()

	sched := scheduler.New()

	alarmEv := event.New(fan, sched, event.Config{Pattern: regexp.MustCompile(`ALARM`)}, nil, nil)
	require.NoError(t, alarmEv.Start(time.Second))

	var alarmFired int
	alarmEv.Subscribe(func(event.Occurrence) { alarmFired++ })

	cmd := command.New(fan, sched, command.Config{
		Line:           "long_running_cmd",
		ExpectedPrompt: regexp.MustCompile(`\$\s*$`),
	}, discardRaw{})
	require.NoError(t, cmd.Start(time.Second))

	fake.FeedString("ALARM\n")
	fake.FeedString("line one\nline two\n$ ")

	result, err := cmd.AwaitDone(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n$ ", result)

	assert.Eventually(t, func() bool { return alarmFired == 1 }, time.Second, time.Millisecond)
}
