package errkind

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A constructed failure unwraps to its cause and matches its Kind sentinel.
func TestConnectionLostUnwrapsAndMatchesSentinel(t *testing.T) {
	cause := errors.New("broken pipe")
	err := NewConnectionLost(cause)

	require.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, ConnectionLost))
	assert.False(t, errors.Is(err, Timeout))
}

// Is matches purely on Kind, regardless of message or wrapped cause.
func TestIsIgnoresMessage(t *testing.T) {
	a := NewNotAllowed("NOT_CONNECTED", "ping")
	b := NewNotAllowed("CONNECTED", "shell")

	assert.True(t, errors.Is(a, NotAllowed))
	assert.True(t, errors.Is(b, NotAllowed))
	assert.NotEqual(t, a.Error(), b.Error())
}

// HopFailure carries the underlying command failure as its cause.
func TestHopFailureWrapsCause(t *testing.T) {
	cause := NewCommandFailure("permission denied")
	err := NewHopFailure("NOT_CONNECTED", "CONNECTED", "execute", cause)

	assert.True(t, errors.Is(err, HopFailure))
	assert.True(t, errors.Is(err, CommandFailure))
}

// Classify returns "" for a nil error and falls through to ConnectionLost
// for an unrecognized raw error.
func TestClassify(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
	assert.Equal(t, KindConnectionLost, Classify(errors.New("some i/o failure")))

	now := time.Now()
	wrapped := NewTimeout(now, now, 0)
	assert.Equal(t, KindTimeout, Classify(wrapped))
}
