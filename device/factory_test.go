package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrigger-labs/shellwatch/command"
	"github.com/outrigger-labs/shellwatch/conn"
	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/scheduler"
)

func newBuilder(t *testing.T, name string) (Builder, *conn.Fake) {
	t.Helper()
	fake := conn.NewFake()
	sched := scheduler.New()
	cfg := Config{Name: name, InitialState: NotConnected, Reconnect: ReconnectConfig{Enabled: false}}
	return func() (*Device, error) {
		return New(cfg, fake, fake, sched, nil), nil
	}, fake
}

// Get constructs the Device on first call and returns the same instance
// on every subsequent call.
func TestFactoryGetConstructsOnce(t *testing.T) {
	f := NewFactory()
	builds := 0
	build, _ := newBuilder(t, "dev1")
	require.NoError(t, f.Register("dev1", "test", func() (*Device, error) {
		builds++
		return build()
	}))

	d1, err := f.Get("dev1")
	require.NoError(t, err)
	d2, err := f.Get("dev1")
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, 1, builds)
}

// Registering a second blueprint under an already-claimed name fails with
// NameInUse.
func TestFactoryRegisterDuplicateNameFails(t *testing.T) {
	f := NewFactory()
	build, _ := newBuilder(t, "dev1")
	require.NoError(t, f.Register("dev1", "test", build))

	build2, _ := newBuilder(t, "dev1")
	err := f.Register("dev1", "test", build2)
	assert.True(t, errors.Is(err, errkind.NameInUse))
}

// Remove closes the live device and forgets its name, allowing
// re-registration afterwards.
func TestFactoryRemoveAllowsReRegistration(t *testing.T) {
	f := NewFactory()
	build, _ := newBuilder(t, "dev1")
	require.NoError(t, f.Register("dev1", "test", build))

	_, err := f.Get("dev1")
	require.NoError(t, err)

	require.NoError(t, f.Remove("dev1"))

	build2, _ := newBuilder(t, "dev1")
	require.NoError(t, f.Register("dev1", "test", build2))
	_, err = f.Get("dev1")
	require.NoError(t, err)
}

// RegisterClone builds a new Device sharing the source's registries but
// bound to a distinct connection.
func TestRegisterCloneSharesRegistries(t *testing.T) {
	f := NewFactory()
	build, _ := newBuilder(t, "dev1")
	require.NoError(t, f.Register("dev1", "test", build))

	src, err := f.Get("dev1")
	require.NoError(t, err)
	src.RegisterCommand(NotConnected, "ping", func(d *Device, params map[string]any) (*command.Command, error) {
		return command.New(d.Stream(), d.Scheduler(), command.Config{Line: "ping"}, d.Streams()), nil
	})

	cloneFake := conn.NewFake()
	sched := scheduler.New()
	require.NoError(t, f.RegisterClone("dev2", "dev1", cloneFake, cloneFake, sched, nil))

	clone, err := f.Get("dev2")
	require.NoError(t, err)
	require.NotSame(t, src, clone)
	assert.Equal(t, "dev2", clone.Name())

	_, err = clone.GetCmd("ping", nil)
	require.NoError(t, err, "clone should inherit the source device's command registry")
}
