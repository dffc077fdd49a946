// Package device implements the per-device operational state machine of
// spec.md §4.7: a labelled directed graph of states rooted at
// NOT_CONNECTED, hop transitions effected by running a command, a
// state-indexed command/event registry, auto-reconnect with exponential
// backoff, and state-change notifications.
//
// Grounded on roosterfish-dcc-ex-go/channel.Channel.Session (a mutex
// serializing exclusive access to the shared connection, generalized here
// into the device-level transition mutex that serializes goto_state calls)
// and station.CommandStation.Console (breaking out of a session to hand
// the caller raw access to the protocol, generalized into GetCmd/GetEvent
// handing back an observer bound to the device's connection). The BFS
// shortest-path hop planner has no pack analogue — no example repo ships
// a graph library — and is written directly against the standard library;
// see DESIGN.md.
package device

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/outrigger-labs/shellwatch/command"
	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/event"
	"github.com/outrigger-labs/shellwatch/obslog"
	"github.com/outrigger-labs/shellwatch/pubsub"
	"github.com/outrigger-labs/shellwatch/runner"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// StateName identifies a node in a Device's state graph.
type StateName string

// NotConnected is the designated initial state every Device starts in.
const NotConnected StateName = "NOT_CONNECTED"

// Hop is a configured transition between two states, effected by running
// a registered command (spec.md's HopTransition).
type Hop struct {
	From           StateName
	To             StateName
	Command        string
	Params         map[string]any
	ExpectedPrompt string
	// Reverse, if set, is the command name used for the B->A edge; it is
	// expanded into an additional forward edge at construction time so
	// GotoState and Close share one code path.
	Reverse string
}

// CommandFactory builds a Command bound to d using params, looked up by
// name from the registry for d's current state.
type CommandFactory func(d *Device, params map[string]any) (*command.Command, error)

// EventFactory builds an Event bound to d using params.
type EventFactory func(d *Device, params map[string]any) (*event.Event, error)

// ReconnectConfig is the SPEC_FULL.md-supplemented auto-reconnect policy.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// DefaultReconnectConfig matches spec.md §9's documented defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{Enabled: true, InitialDelay: time.Second, Factor: 2, MaxDelay: 30 * time.Second}
}

// StateChange is published to subscribers after every transition, per
// spec.md §4.7 ("issued after the new state is stored").
type StateChange struct {
	From      StateName
	To        StateName
	Reason    string
	Timestamp time.Time
}

// PopulateFunc registers commands/events for a state, invoked lazily the
// first time that state's registry is consulted when Config.Lazy is set
// (spec.md §6's LAZY_CMDS_EVENTS, supplemented per SPEC_FULL.md).
type PopulateFunc func(d *Device, state StateName)

// Config parameterizes a Device at construction time.
type Config struct {
	Name           string
	InitialState   StateName
	Graph          []Hop
	Lazy           bool
	Populate       PopulateFunc
	Reconnect      ReconnectConfig
	HomeState      StateName
	DefaultTimeout time.Duration
}

// Device is a named state machine bound to one fan-out connection and a
// state-indexed catalog of commands/events.
type Device struct {
	cfg   Config
	name  string
	fan   *conn.FanOut
	conn  conn.Connection
	sched *scheduler.Scheduler
	run   runner.Runner

	transitionMu sync.Mutex

	mu              sync.Mutex
	current         StateName
	graph           map[StateName]map[StateName]Hop
	cmdFactories    map[StateName]map[string]CommandFactory
	eventFactories  map[StateName]map[string]EventFactory
	populatedState  map[StateName]bool
	closed          bool
	reconnectHandle scheduler.Handle

	stateSubs *pubsub.Publisher[StateChange]
	streams   *obslog.Streams

	watcherCleanup conn.CleanupFunc
}

// New constructs a Device bound to a connection. reader is the io.Reader
// FanOut pulls raw bytes from (see conn.NewFanOut); sched drives observer
// timeouts and reconnect backoff; streams is optional (nil uses discarding
// loggers).
func New(cfg Config, connection conn.Connection, reader io.Reader, sched *scheduler.Scheduler, streams *obslog.Streams) *Device {
	if cfg.Reconnect == (ReconnectConfig{}) {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	if cfg.HomeState == "" {
		cfg.HomeState = NotConnected
	}
	if cfg.InitialState == "" {
		cfg.InitialState = NotConnected
	}
	if streams == nil {
		streams = obslog.NewStreams(io.Discard, cfg.Name, false, 0)
	}

	d := &Device{
		cfg:            cfg,
		name:           cfg.Name,
		conn:           connection,
		sched:          sched,
		run:            runner.NewSingleThread(),
		current:        cfg.InitialState,
		graph:          buildGraph(cfg.Graph),
		cmdFactories:   make(map[StateName]map[string]CommandFactory),
		eventFactories: make(map[StateName]map[string]EventFactory),
		populatedState: make(map[StateName]bool),
		stateSubs:      pubsub.New[StateChange](nil),
		streams:        streams,
	}

	d.fan = conn.NewFanOut(connection, reader, conn.DefaultDecoder, func(c conn.Chunk) {
		d.streams.Inbound(c.Text)
	})

	d.watcherCleanup = d.fan.Subscribe(func(_ conn.Chunk, lost bool, cause error) {
		if lost {
			d.handleConnectionLost(cause)
		}
	})

	return d
}

func buildGraph(hops []Hop) map[StateName]map[StateName]Hop {
	g := make(map[StateName]map[StateName]Hop)
	add := func(h Hop) {
		if g[h.From] == nil {
			g[h.From] = make(map[StateName]Hop)
		}
		g[h.From][h.To] = h
	}
	for _, h := range hops {
		add(h)
		if h.Reverse != "" {
			add(Hop{From: h.To, To: h.From, Command: h.Reverse, ExpectedPrompt: h.ExpectedPrompt})
		}
	}
	return g
}

// Name returns the device's configured name.
func (d *Device) Name() string { return d.name }

// CurrentState reports the device's current state.
func (d *Device) CurrentState() StateName {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Stream exposes the underlying fan-out connection, e.g. for constructing
// commands/events outside the registry.
func (d *Device) Stream() *conn.FanOut { return d.fan }

// Scheduler exposes the device's scheduler for command factories that
// need it.
func (d *Device) Scheduler() *scheduler.Scheduler { return d.sched }

// Streams exposes the device's log streams for command factories.
func (d *Device) Streams() *obslog.Streams { return d.streams }

// RegisterCommand adds a command factory for a given state. Intended for
// eager registration; under Config.Lazy, Populate is used instead.
func (d *Device) RegisterCommand(state StateName, name string, factory CommandFactory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmdFactories[state] == nil {
		d.cmdFactories[state] = make(map[string]CommandFactory)
	}
	d.cmdFactories[state][name] = factory
}

// RegisterEvent adds an event factory for a given state.
func (d *Device) RegisterEvent(state StateName, name string, factory EventFactory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eventFactories[state] == nil {
		d.eventFactories[state] = make(map[string]EventFactory)
	}
	d.eventFactories[state][name] = factory
}

func (d *Device) ensurePopulated(state StateName) {
	d.mu.Lock()
	lazy := d.cfg.Lazy
	populate := d.cfg.Populate
	already := d.populatedState[state]
	d.mu.Unlock()

	if !lazy || already || populate == nil {
		return
	}

	populate(d, state)

	d.mu.Lock()
	d.populatedState[state] = true
	d.mu.Unlock()
}

// GetCmd looks up the command factory registered for (current_state, name)
// and constructs the observer, rejecting with errkind.NotAllowed if the
// name is not registered for the current state (spec.md §4.7).
func (d *Device) GetCmd(name string, params map[string]any) (*command.Command, error) {
	state := d.CurrentState()
	d.ensurePopulated(state)

	d.mu.Lock()
	factory, ok := d.cmdFactories[state][name]
	d.mu.Unlock()
	if !ok {
		return nil, errkind.NewNotAllowed(string(state), name)
	}
	return factory(d, params)
}

// GetEvent is GetCmd's counterpart for events.
func (d *Device) GetEvent(name string, params map[string]any) (*event.Event, error) {
	state := d.CurrentState()
	d.ensurePopulated(state)

	d.mu.Lock()
	factory, ok := d.eventFactories[state][name]
	d.mu.Unlock()
	if !ok {
		return nil, errkind.NewNotAllowed(string(state), name)
	}
	return factory(d, params)
}

// AddStateChangeSubscriber registers fn to be notified after every
// transition (spec.md §4.7).
func (d *Device) AddStateChangeSubscriber(fn pubsub.Subscriber[StateChange]) pubsub.Token {
	return d.stateSubs.Subscribe(fn)
}

func (d *Device) RemoveStateChangeSubscriber(tok pubsub.Token) {
	d.stateSubs.Unsubscribe(tok)
}

func (d *Device) setState(to StateName, reason string) {
	d.mu.Lock()
	from := d.current
	d.current = to
	d.mu.Unlock()

	d.streams.Main.Info("state_change", "from", string(from), "to", string(to), "reason", reason)
	d.stateSubs.Notify(StateChange{From: from, To: to, Reason: reason, Timestamp: time.Now()})
}

// GotoState computes the shortest hop path (BFS, lexicographic neighbour
// tie-break) from the current state to target and executes each hop's
// command in order. A failed hop leaves the device at the last
// successfully reached state and surfaces the hop's errkind.HopFailure.
// Idempotent when target equals the current state. Concurrent calls to
// GotoState on one Device are serialized.
func (d *Device) GotoState(target StateName, timeout time.Duration) error {
	d.transitionMu.Lock()
	defer d.transitionMu.Unlock()

	if d.CurrentState() == target {
		return nil
	}

	path, ok := d.shortestPath(d.CurrentState(), target)
	if !ok {
		return fmt.Errorf("device: no path from %s to %s", d.CurrentState(), target)
	}

	for _, hop := range path {
		if err := d.runHop(hop, timeout); err != nil {
			d.streams.Main.Error("hop_failed", "from", string(hop.From), "to", string(hop.To), "err", err)
			d.stateSubs.Notify(StateChange{From: hop.From, To: hop.To, Reason: "failure", Timestamp: time.Now()})
			return err
		}
		d.setState(hop.To, "goto_state")
	}
	return nil
}

// GotoStateFuture is returned by GotoStateBg.
type GotoStateFuture struct {
	done chan struct{}
	err  error
}

// Wait blocks until the background transition completes.
func (f *GotoStateFuture) Wait() error {
	<-f.done
	return f.err
}

// GotoStateBg runs GotoState on a dedicated goroutine and returns
// immediately with a future (spec.md §4.7).
func (d *Device) GotoStateBg(target StateName, timeout time.Duration) *GotoStateFuture {
	fut := &GotoStateFuture{done: make(chan struct{})}
	go func() {
		fut.err = d.GotoState(target, timeout)
		close(fut.done)
	}()
	return fut
}

func (d *Device) runHop(hop Hop, timeout time.Duration) error {
	params := make(map[string]any, len(hop.Params)+1)
	for k, v := range hop.Params {
		params[k] = v
	}
	if hop.ExpectedPrompt != "" {
		params["expected_prompt"] = hop.ExpectedPrompt
	}

	cmd, err := d.GetCmd(hop.Command, params)
	if err != nil {
		return errkind.NewHopFailure(string(hop.From), string(hop.To), "lookup", err)
	}

	if _, err := cmd.Call(timeout); err != nil {
		return errkind.NewHopFailure(string(hop.From), string(hop.To), "execute", err)
	}
	return nil
}

// shortestPath runs a breadth-first search over the state graph, visiting
// each node's neighbours in lexicographic order so the result is
// deterministic among equal-length paths.
func (d *Device) shortestPath(from, to StateName) ([]Hop, bool) {
	if from == to {
		return nil, true
	}

	d.mu.Lock()
	graph := d.graph
	d.mu.Unlock()

	visited := map[StateName]bool{from: true}
	prev := map[StateName]Hop{}
	queue := []StateName{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		neighbours := make([]StateName, 0, len(graph[cur]))
		for n := range graph[cur] {
			neighbours = append(neighbours, n)
		}
		sort.Slice(neighbours, func(i, j int) bool { return neighbours[i] < neighbours[j] })

		for _, n := range neighbours {
			if visited[n] {
				continue
			}
			visited[n] = true
			prev[n] = graph[cur][n]
			if n == to {
				return reconstructPath(prev, from, to), true
			}
			queue = append(queue, n)
		}
	}

	return nil, false
}

func reconstructPath(prev map[StateName]Hop, from, to StateName) []Hop {
	var path []Hop
	cur := to
	for cur != from {
		hop := prev[cur]
		path = append([]Hop{hop}, path...)
		cur = hop.From
	}
	return path
}

// Close traverses back to the configured home state (issuing reverse
// hops) if connected, then closes the transport. Closing an already-closed
// Device is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	current := d.current
	home := d.cfg.HomeState
	d.closed = true
	reconnectHandle := d.reconnectHandle
	d.mu.Unlock()

	if reconnectHandle != nil {
		reconnectHandle.Cancel()
	}

	if current != NotConnected && home != current {
		_ = d.GotoState(home, d.cfg.DefaultTimeout)
	}

	d.run.Shutdown(d.cfg.DefaultTimeout)
	d.watcherCleanup()
	d.setState(NotConnected, "close")

	return d.conn.Close()
}

// Submit starts o through the device's own Runner instead of calling
// Command.Call/Event directly, so many concurrent observers on this
// device share one worker topology and are all cancelled together on
// Close (spec.md §4.5).
func (d *Device) Submit(o runner.Observer, timeout time.Duration) (runner.Handle, error) {
	return d.run.Submit(o, timeout)
}

func (d *Device) handleConnectionLost(cause error) {
	d.mu.Lock()
	if d.current == NotConnected || d.closed {
		d.mu.Unlock()
		return
	}
	highest := d.current
	reconnect := d.cfg.Reconnect
	d.mu.Unlock()

	d.setState(NotConnected, "connection_lost")

	if reconnect.Enabled {
		d.scheduleReconnect(highest, reconnect.InitialDelay)
	}
}

func (d *Device) scheduleReconnect(target StateName, delay time.Duration) {
	h := d.sched.CallLater(delay, func() {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}

		if err := d.GotoState(target, d.cfg.DefaultTimeout); err != nil {
			next := time.Duration(float64(delay) * d.cfg.Reconnect.Factor)
			if next > d.cfg.Reconnect.MaxDelay {
				next = d.cfg.Reconnect.MaxDelay
			}
			d.scheduleReconnect(target, next)
		}
	})
	d.mu.Lock()
	d.reconnectHandle = h
	d.mu.Unlock()
}
