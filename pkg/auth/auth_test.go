package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearPassword(t *testing.T) {
	g, err := NewGate("HAPPYMONEY", "")
	require.NoError(t, err)

	assert.NoError(t, g.Check("HAPPYMONEY"))
	assert.ErrorIs(t, g.Check("happymoney"), ErrIncorrectPassword)
	assert.ErrorIs(t, g.Check(""), ErrIncorrectPassword)
	assert.ErrorIs(t, g.Check("nope"), ErrIncorrectPassword)
}

func TestHashedPassword(t *testing.T) {
	hash, err := Hash("s3cret")
	require.NoError(t, err)

	g, err := NewGate("ignored", hash)
	require.NoError(t, err)
	assert.NoError(t, g.Check("s3cret"))
	assert.ErrorIs(t, g.Check("ignored"), ErrIncorrectPassword)
}

func TestNewGateErrors(t *testing.T) {
	_, err := NewGate("", "")
	assert.Error(t, err)

	_, err = NewGate("", "not-a-bcrypt-hash")
	assert.ErrorContains(t, err, "failed to parse password hash")
}
