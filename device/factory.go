package device

import (
	"fmt"
	"io"
	"sync"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/obslog"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// Builder constructs a Device the first time its name is requested from a
// Factory.
type Builder func() (*Device, error)

type blueprint struct {
	class string
	build Builder
}

// Factory is the at-most-one-per-name device registry of spec.md §4.8:
// names are claimed (Register) up front, but construction (Builder) only
// runs the first time Get is called for that name, outside the registry
// lock so a Builder that itself calls Factory.Get (e.g. to inspect a
// sibling device while cloning) cannot deadlock.
//
// Grounded on roosterfish-dcc-ex-go/station.CommandStation's one-console-
// per-serial-port discipline, generalized from "one console" to "one
// Device" keyed by name instead of port path.
type Factory struct {
	mu         sync.Mutex
	live       map[string]*Device
	blueprints map[string]blueprint
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{live: make(map[string]*Device), blueprints: make(map[string]blueprint)}
}

// Register claims name for class, to be built by build on first Get.
// Fails with errkind.NameInUse if name is already claimed.
func (f *Factory) Register(name, class string, build Builder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.blueprints[name]; exists {
		return errkind.NewNameInUse(name)
	}
	f.blueprints[name] = blueprint{class: class, build: build}
	return nil
}

// Get returns the live Device for name, constructing it on first call.
func (f *Factory) Get(name string) (*Device, error) {
	f.mu.Lock()
	if d, ok := f.live[name]; ok {
		f.mu.Unlock()
		return d, nil
	}
	bp, ok := f.blueprints[name]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device: no device registered under name %q", name)
	}

	d, err := bp.build()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if existing, ok := f.live[name]; ok {
		f.mu.Unlock()
		_ = d.Close()
		return existing, nil
	}
	f.live[name] = d
	f.mu.Unlock()
	return d, nil
}

// Remove closes and forgets the device registered under name. A name
// removed this way can be re-registered afterwards. If name was never
// constructed, its registration is dropped and nothing is closed.
func (f *Factory) Remove(name string) error {
	f.mu.Lock()
	d, ok := f.live[name]
	delete(f.live, name)
	delete(f.blueprints, name)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return d.Close()
}

// Names lists every currently-registered device name, live or not yet
// constructed.
func (f *Factory) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.blueprints))
	for name := range f.blueprints {
		names = append(names, name)
	}
	return names
}

// RegisterClone is the SPEC_FULL.md-supplemented CLONED_FROM feature: it
// claims name for a new device that reuses clonedFrom's state graph and
// command/event registries (e.g. "same device type, second serial port"),
// bound to a fresh connection rather than clonedFrom's.
func (f *Factory) RegisterClone(name, clonedFrom string, connection conn.Connection, reader io.Reader, sched *scheduler.Scheduler, streams *obslog.Streams) error {
	return f.Register(name, "cloned:"+clonedFrom, func() (*Device, error) {
		src, err := f.Get(clonedFrom)
		if err != nil {
			return nil, fmt.Errorf("device: clone source %q: %w", clonedFrom, err)
		}
		return src.cloneOnto(name, connection, reader, sched, streams), nil
	})
}

// cloneOnto builds a new Device sharing d's graph, registries and
// reconnect policy but bound to a distinct connection and name.
func (d *Device) cloneOnto(name string, connection conn.Connection, reader io.Reader, sched *scheduler.Scheduler, streams *obslog.Streams) *Device {
	d.mu.Lock()
	cfg := d.cfg
	cfg.Name = name
	clone := New(cfg, connection, reader, sched, streams)
	for state, byName := range d.cmdFactories {
		for cmdName, factory := range byName {
			clone.RegisterCommand(state, cmdName, factory)
		}
	}
	for state, byName := range d.eventFactories {
		for evName, factory := range byName {
			clone.RegisterEvent(state, evName, factory)
		}
	}
	d.mu.Unlock()
	return clone
}
