// Package command implements the Command Observer subtype of spec.md §4.2:
// an Observer that also writes an input string to elicit the output it
// parses, completing only once both a terminating prompt and an
// end-of-output condition have been observed.
//
// The "write only after subscribing" ordering and the "detect end of
// output with a dedicated marker" idiom are grounded on
// roosterfish-dcc-ex-go/sensor.Sensor.Active and output.Output.Status:
// both send a bogus control command and loop reading until the failure
// opcode marks the end of the command station's response. Here the
// terminator is the device's configured prompt regex instead of a fixed
// opcode, generalized per spec.md's "expected_prompt parameter ...
// compiled once at construction".
package command

import (
	"regexp"
	"sync"
	"time"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/observer"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// Parser parses a command's output text and reports its outcome.
// ParseChunk is called with the whole output accumulated so far, once per
// inbound Chunk after ExpectedPrompt has matched and no continuation is
// outstanding; it must not block.
//
// Implementations return:
//   - (nil, nil, false) while more output is still expected,
//   - (result, nil, true) once the command completed successfully,
//   - (nil, err, true) once the command failed (ParsingFailure or
//     CommandFailure, typically).
type Parser interface {
	ParseChunk(text string) (result any, err error, complete bool)
}

// Config parameterizes a Command per spec.md's "expected_prompt parameter
// ... compiled once at construction".
type Config struct {
	// Line is the command string to send; Start appends a newline.
	Line string
	// ExpectedPrompt is the terminating-marker regex signalling the
	// device is ready for the next command. Required.
	ExpectedPrompt *regexp.Regexp
	// ErrorPatterns are checked before ExpectedPrompt within a chunk
	// (spec.md §9's documented precedence choice): if one matches, the
	// Command fails with errkind.CommandFailure even if the chunk also
	// contains the prompt.
	ErrorPatterns []*regexp.Regexp
	// Parser does the domain-specific structured parsing. If nil, the
	// Command completes with the raw accumulated text as its result
	// once ExpectedPrompt matches and there is no outstanding
	// continuation (Continuation returns false).
	Parser Parser
	// Continuation reports whether the accumulated text so far still has
	// an outstanding multi-line continuation (e.g. a trailing backslash,
	// an unterminated quote) that must resolve before the prompt can be
	// treated as real end-of-output. nil means "never".
	Continuation func(accumulated string) bool
}

// Command is an Observer that writes Config.Line and parses the resulting
// output until it is both prompt-terminated and continuation-free.
type Command struct {
	*observer.Base

	cfg         Config
	mu          sync.Mutex
	accumulated string
	raw         RawLogger
}

// RawLogger is the logging seam a Command writes outbound bytes and
// start/end records through; device.Device supplies *obslog.Streams, which
// implements Outbound directly and MainInfo/MainError as thin wrappers
// around its Main stream (spec.md §6's "command start/end" requirement).
type RawLogger interface {
	Outbound(text string)
	MainInfo(msg string, args ...any)
	MainError(msg string, args ...any)
}

// New constructs a Command bound to stream, driven by sched for its
// timeout accounting.
func New(stream observer.Stream, sched *scheduler.Scheduler, cfg Config, raw RawLogger) *Command {
	c := &Command{cfg: cfg, raw: raw}
	c.Base = observer.New(stream, sched, c)
	return c
}

// Start subscribes, then writes the command string, in that order, so
// that no output from the command is lost (spec.md §4.2 step 1).
func (c *Command) Start(timeout time.Duration) error {
	if err := c.Base.Start(timeout); err != nil {
		return err
	}

	c.logStart()

	line := c.cfg.Line + "\n"
	if c.raw != nil {
		c.raw.Outbound(c.cfg.Line)
	}
	if err := c.Base.Send([]byte(line)); err != nil {
		err = errkind.NewConnectionLost(err)
		c.logEnd(err)
		c.Base.SetException(err)
	}
	return nil
}

// logStart records "command_start" on the Main stream.
func (c *Command) logStart() {
	if c.raw == nil {
		return
	}
	c.raw.MainInfo("command_start", "line", c.cfg.Line)
}

// logEnd records "command_end" on the Main stream, at error level when err
// is non-nil.
func (c *Command) logEnd(err error) {
	if c.raw == nil {
		return
	}
	if err != nil {
		c.raw.MainError("command_end", "line", c.cfg.Line, "err", err)
		return
	}
	c.raw.MainInfo("command_end", "line", c.cfg.Line)
}

// Call is sugar for Start(timeout) followed by AwaitDone(timeout), both
// sharing the same deadline, per spec.md's re-architecture note that the
// callable shape is syntactic sugar over the future surface.
func (c *Command) Call(timeout time.Duration) (any, error) {
	if err := c.Start(timeout); err != nil {
		return nil, err
	}
	return c.AwaitDone(timeout)
}

// Feed implements observer.Feeder. It checks error patterns before the
// success terminator within the same chunk (the precedence spec.md §9
// leaves as an open question; this implementation resolves it toward
// failing fast on a recognized error even if the prompt also appears).
func (c *Command) Feed(chunk conn.Chunk) {
	c.mu.Lock()
	c.accumulated += chunk.Text
	text := c.accumulated
	c.mu.Unlock()

	for _, pat := range c.cfg.ErrorPatterns {
		if pat.MatchString(chunk.Text) {
			err := errkind.NewCommandFailure(pat.String())
			c.logEnd(err)
			c.Base.SetException(err)
			return
		}
	}

	if c.cfg.ExpectedPrompt == nil || !c.cfg.ExpectedPrompt.MatchString(text) {
		return
	}

	if c.cfg.Continuation != nil && c.cfg.Continuation(text) {
		return
	}

	if c.cfg.Parser == nil {
		c.logEnd(nil)
		c.Base.SetResult(text)
		return
	}

	result, err, complete := c.cfg.Parser.ParseChunk(text)
	if !complete {
		return
	}
	if err != nil {
		c.logEnd(err)
		c.Base.SetException(err)
		return
	}
	c.logEnd(nil)
	c.Base.SetResult(result)
}
