package config

import (
	"fmt"
	"io"
	"sync"

	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/device"
	"github.com/outrigger-labs/shellwatch/obslog"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

// ClassRegistry maps DEVICE_CLASS identifiers to a PopulateFunc that
// knows how to register that class's commands/events for a given state.
// This is spec.md §9's explicit replacement for dynamic class loading
// from configuration strings: classes are registered at program init,
// not resolved by reflection over a string.
type ClassRegistry struct {
	mu      sync.Mutex
	classes map[string]device.PopulateFunc
}

// NewClassRegistry returns an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{classes: make(map[string]device.PopulateFunc)}
}

// Register associates a DEVICE_CLASS identifier with its populate
// function. Call this at program init for every device class the
// configuration may reference.
func (r *ClassRegistry) Register(class string, populate device.PopulateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class] = populate
}

func (r *ClassRegistry) lookup(class string) (device.PopulateFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.classes[class]
	return p, ok
}

// BuildFactory translates a loaded Config into a device.Factory: every
// DEVICES entry is registered (Register or RegisterClone, per
// CLONED_FROM) as a lazily-built blueprint; no device is actually
// constructed until the caller calls Factory.Get(name), per spec.md §4.8.
func BuildFactory(cfg *Config, classes *ClassRegistry, transports map[string]TransportFactory, sched *scheduler.Scheduler, streams *obslog.Streams) (*device.Factory, error) {
	factory := device.NewFactory()

	for name, dc := range cfg.Devices {
		name, dc := name, dc // capture per iteration

		if dc.ClonedFrom != "" {
			connection, reader, err := openTransport(transports, *dc.ConnectionDesc)
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", name, err)
			}
			if err := factory.RegisterClone(name, dc.ClonedFrom, connection, reader, sched, streams); err != nil {
				return nil, fmt.Errorf("device %s: %w", name, err)
			}
			continue
		}

		populate, ok := classes.lookup(dc.DeviceClass)
		if !ok {
			return nil, fmt.Errorf("device %s: unregistered DEVICE_CLASS %q", name, dc.DeviceClass)
		}

		err := factory.Register(name, dc.DeviceClass, func() (*device.Device, error) {
			connection, reader, err := openTransport(transports, *dc.ConnectionDesc)
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", name, err)
			}

			devCfg := device.Config{
				Name:           name,
				InitialState:   device.StateName(dc.InitialState),
				Graph:          hopsFromConfig(dc.ConnectionHops),
				Lazy:           dc.LazyCmdsEvents,
				Populate:       populate,
				HomeState:      device.NotConnected,
				DefaultTimeout: dc.DefaultTimeout(),
			}

			d := device.New(devCfg, connection, reader, sched, streams)
			if !dc.LazyCmdsEvents {
				for _, state := range statesIn(devCfg.Graph, devCfg.InitialState) {
					populate(d, state)
				}
			}
			return d, nil
		})
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
	}

	return factory, nil
}

func openTransport(transports map[string]TransportFactory, desc ConnectionDesc) (conn.Connection, io.Reader, error) {
	factory, ok := transports[desc.IOType]
	if !ok {
		return nil, nil, fmt.Errorf("unregistered io_type %q", desc.IOType)
	}
	connection, reader, err := factory(desc)
	if err != nil {
		return nil, nil, err
	}
	if err := connection.Open(); err != nil {
		return nil, nil, err
	}
	return connection, reader, nil
}

func statesIn(hops []device.Hop, initial device.StateName) []device.StateName {
	seen := map[device.StateName]bool{initial: true}
	states := []device.StateName{initial}
	for _, h := range hops {
		for _, s := range [2]device.StateName{h.From, h.To} {
			if !seen[s] {
				seen[s] = true
				states = append(states, s)
			}
		}
	}
	return states
}

func hopsFromConfig(hops ConnectionHops) []device.Hop {
	var out []device.Hop
	for from, byTo := range hops {
		for to, hop := range byTo {
			out = append(out, device.Hop{
				From:           device.StateName(from),
				To:             device.StateName(to),
				Command:        hop.ExecuteCommand,
				Params:         hop.CommandParams,
				ExpectedPrompt: hop.ExpectedPrompt,
				Reverse:        hop.Reverse,
			})
		}
	}
	return out
}
