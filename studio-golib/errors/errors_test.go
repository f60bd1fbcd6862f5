package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = Sentinel("sentinel")

func TestWrapfKeepsCause(t *testing.T) {
	err := Wrapf(errSentinel, "while doing %s", "work")
	require.Error(t, err)
	assert.Equal(t, errSentinel, Cause(err))
	assert.Contains(t, err.Error(), "while doing work")
	assert.True(t, Is(err, errSentinel))
}

func TestWrapfNil(t *testing.T) {
	require.Error(t, Wrapf(nil, "no cause"))
	require.NoError(t, WrapfOrNil(nil, "no cause"))
}

func TestIs(t *testing.T) {
	other := Sentinel("other")
	assert.False(t, Is(nil, errSentinel))
	assert.False(t, Is(other, errSentinel))
	assert.True(t, Is(Wrapf(other, "x"), errSentinel, other))
}
