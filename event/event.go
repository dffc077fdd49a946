// Package event implements the Event Observer subtype of spec.md §4.3: a
// long-lived observer that matches a pattern against inbound text and
// publishes each match to subscribers via pubsub.Publisher, optionally
// self-terminating after N matches.
//
// Grounded on roosterfish-dcc-ex-go/sensor.Sensor.SetCallback: a watcher
// that loops reading commands off the channel and invokes a callback each
// time the watched state is observed, torn down via a context.CancelFunc
// plus sync.WaitGroup. Event generalizes "watched state" to "regex match"
// and "callback" to a pubsub.Publisher so multiple subscribers can ride
// the same Event.
package event

import (
	"regexp"
	"time"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/observer"
	"github.com/outrigger-labs/shellwatch/pubsub"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// Occurrence is published on every match: the regex's captured groups and
// the timestamp of the chunk that produced the match.
type Occurrence struct {
	Groups    []string
	Timestamp time.Time
}

// Config parameterizes an Event.
type Config struct {
	// Pattern is matched against each inbound chunk's text independently
	// (no cross-chunk buffering — a match must occur within one chunk).
	Pattern *regexp.Regexp
	// MaxMatches, if > 0, self-terminates the Event (SetResult with the
	// total match count) after that many matches. 0 means unbounded;
	// the Event then runs until Cancel or connection loss.
	MaxMatches int
}

// Event is an Observer that republishes every regex match to its
// Publisher until self-terminating (if MaxMatches > 0) or cancelled.
type Event struct {
	*observer.Base

	cfg     Config
	Pub     *pubsub.Publisher[Occurrence]
	matches int
	log     MainLogger
}

// MainLogger is the logging seam an Event writes "event fire" records
// through; device.Device supplies *obslog.Streams, whose MainInfo method
// wraps its Main stream (spec.md §6's "event fire" requirement).
type MainLogger interface {
	MainInfo(msg string, args ...any)
}

// New constructs an Event bound to stream. onSubscriberPanic is forwarded
// to the underlying Publisher (see pubsub.New). log may be nil, in which
// case matches are not logged.
func New(stream observer.Stream, sched *scheduler.Scheduler, cfg Config, onSubscriberPanic func(any), log MainLogger) *Event {
	e := &Event{cfg: cfg, Pub: pubsub.New[Occurrence](onSubscriberPanic), log: log}
	e.Base = observer.New(stream, sched, e)
	return e
}

// Feed implements observer.Feeder: on every match, log and publish an
// Occurrence; once MaxMatches is reached (if configured), complete the
// Event.
func (e *Event) Feed(chunk conn.Chunk) {
	for _, groups := range e.cfg.Pattern.FindAllStringSubmatch(chunk.Text, -1) {
		e.matches++
		if e.log != nil {
			e.log.MainInfo("event_fire", "pattern", e.cfg.Pattern.String(), "groups", groups)
		}
		e.Pub.Notify(Occurrence{Groups: groups, Timestamp: chunk.Timestamp})

		if e.cfg.MaxMatches > 0 && e.matches >= e.cfg.MaxMatches {
			e.Base.SetResult(e.matches)
			return
		}
	}
}

// Matches returns the number of matches observed so far.
func (e *Event) Matches() int { return e.matches }

// Subscribe registers fn to be notified on every future match. Matches
// that occurred before Subscribe was called are never replayed, per
// spec.md §9's resolved Open Question.
func (e *Event) Subscribe(fn pubsub.Subscriber[Occurrence]) pubsub.Token {
	return e.Pub.Subscribe(fn)
}

// Unsubscribe removes a subscription registered via Subscribe.
func (e *Event) Unsubscribe(tok pubsub.Token) { e.Pub.Unsubscribe(tok) }
