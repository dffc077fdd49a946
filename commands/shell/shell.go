// Package shell implements spec.md §8 scenario 2: a generic shell command
// whose output is returned verbatim once the configured prompt
// (conventionally "moler_bash#" in the teacher-adjacent examples used to
// ground this spec) reappears, usable both synchronously (Call) and as a
// background future (Start then AwaitDone later).
package shell

import (
	"regexp"
	"strings"

	"github.com/outrigger-labs/shellwatch/command"
	"github.com/outrigger-labs/shellwatch/observer"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// DefaultPrompt matches the Moler-style "moler_bash#" convention this
// spec's scenarios are written against.
var DefaultPrompt = regexp.MustCompile(`moler_bash#\s*$`)

// Options configures a shell command.
type Options struct {
	ExpectedPrompt *regexp.Regexp
	ErrorPatterns  []*regexp.Regexp
	// TrimPrompt removes the trailing prompt line from the returned
	// output when true.
	TrimPrompt bool
}

type verbatimParser struct {
	prompt     *regexp.Regexp
	trimPrompt bool
}

func (p verbatimParser) ParseChunk(text string) (any, error, bool) {
	if !p.prompt.MatchString(text) {
		return nil, nil, false
	}
	if !p.trimPrompt {
		return text, nil, true
	}
	loc := p.prompt.FindStringIndex(text)
	return strings.TrimRight(text[:loc[0]], "\r\n"), nil, true
}

// New builds a Command that runs line and returns its output once the
// prompt reappears.
func New(stream observer.Stream, sched *scheduler.Scheduler, raw command.RawLogger, line string, opts Options) *command.Command {
	prompt := opts.ExpectedPrompt
	if prompt == nil {
		prompt = DefaultPrompt
	}

	cfg := command.Config{
		Line:           line,
		ExpectedPrompt: prompt,
		ErrorPatterns:  opts.ErrorPatterns,
		Parser:         verbatimParser{prompt: prompt, trimPrompt: opts.TrimPrompt},
	}

	return command.New(stream, sched, cfg, raw)
}
