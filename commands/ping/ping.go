// Package ping implements spec.md §8 scenario 1: a synchronous command
// that runs "ping" against a destination and parses packet-loss
// statistics out of the accumulated output once the shell prompt
// reappears.
//
// Built entirely on the command package's contract; no teacher file deals
// with ping specifically; the "send, accumulate, parse once the prompt
// reappears" shape is the same one command.Command itself generalizes
// from sensor.Sensor.Active.
package ping

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/outrigger-labs/shellwatch/command"
	"github.com/outrigger-labs/shellwatch/observer"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// Result is the parsed outcome of a ping run.
type Result struct {
	PacketsTransmitted int
	PacketsReceived    int
	PacketLoss         float64 // percentage, e.g. 0 for no loss
	TimeUnit           string  // "ms" typically
	RoundTripAvg       float64
}

var (
	statsPattern = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received, ([\d.]+)% packet loss`)
	rttPattern   = regexp.MustCompile(`= [\d.]+/([\d.]+)/[\d.]+(?:/[\d.]+)? (\w+)`)
)

// Options configures a ping invocation.
type Options struct {
	Count          int    // number of echo requests; 0 or less sends 4
	ExpectedPrompt *regexp.Regexp
}

type parser struct{}

func (parser) ParseChunk(text string) (any, error, bool) {
	groups := statsPattern.FindStringSubmatch(text)
	if groups == nil {
		return nil, nil, false
	}

	transmitted, _ := strconv.Atoi(groups[1])
	received, _ := strconv.Atoi(groups[2])
	loss, _ := strconv.ParseFloat(groups[3], 64)

	result := Result{PacketsTransmitted: transmitted, PacketsReceived: received, PacketLoss: loss}

	if rtt := rttPattern.FindStringSubmatch(text); rtt != nil {
		avg, _ := strconv.ParseFloat(rtt[1], 64)
		result.RoundTripAvg = avg
		result.TimeUnit = rtt[2]
	}

	return result, nil, true
}

// New builds a Command that runs "ping" against destination.
func New(stream observer.Stream, sched *scheduler.Scheduler, raw command.RawLogger, destination string, opts Options) *command.Command {
	line := fmt.Sprintf("ping -c %d %s", count(opts.Count), destination)

	prompt := opts.ExpectedPrompt
	if prompt == nil {
		prompt = regexp.MustCompile(`\$\s*$`)
	}

	cfg := command.Config{
		Line:           line,
		ExpectedPrompt: prompt,
		ErrorPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)unknown host`),
			regexp.MustCompile(`(?i)name or service not known`),
		},
		Parser: parser{},
	}

	return command.New(stream, sched, cfg, raw)
}

func count(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}
