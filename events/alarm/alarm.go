// Package alarm implements spec.md §8 scenario 4: a long-lived Event
// watching for an "ALARM" marker on a connection that also has a command
// running concurrently, demonstrating that fan-out delivers the same
// chunk stream to multiple observers independently.
package alarm

import (
	"regexp"

	"github.com/outrigger-labs/shellwatch/event"
	"github.com/outrigger-labs/shellwatch/observer"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// Pattern matches a one-line "ALARM: <reason>" marker, capturing reason.
var Pattern = regexp.MustCompile(`ALARM:\s*(.+)`)

// Options configures an alarm watch.
type Options struct {
	// MaxMatches, if > 0, self-terminates the Event after that many
	// alarms. 0 means run until cancelled or the connection closes.
	MaxMatches int
}

// New builds an Event that republishes every ALARM line's reason text to
// its subscribers.
func New(stream observer.Stream, sched *scheduler.Scheduler, opts Options, onSubscriberPanic func(any), log event.MainLogger) *event.Event {
	cfg := event.Config{Pattern: Pattern, MaxMatches: opts.MaxMatches}
	return event.New(stream, sched, cfg, onSubscriberPanic, log)
}

// Reason extracts the alarm reason from an Occurrence published by an
// Event built with New.
func Reason(occ event.Occurrence) string {
	if len(occ.Groups) < 2 {
		return ""
	}
	return occ.Groups[1]
}
