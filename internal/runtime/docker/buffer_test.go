package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapBufferUnlimited(t *testing.T) {
	b := newCapBuffer(0)
	n, err := b.Write(make([]byte, 1<<20))
	require.NoError(t, err)
	assert.Equal(t, 1<<20, n)
	assert.False(t, b.Truncated())
}

func TestCapBufferExactlyAtLimit(t *testing.T) {
	b := newCapBuffer(8)
	_, err := b.Write([]byte("12345678"))
	require.NoError(t, err)
	assert.False(t, b.Truncated())
	assert.Equal(t, []byte("12345678"), b.Bytes())
}

func TestCapBufferOverLimit(t *testing.T) {
	b := newCapBuffer(4)
	_, err := b.Write([]byte("123456"))
	assert.ErrorIs(t, err, errByteBudget)
	assert.True(t, b.Truncated())
	assert.Equal(t, []byte("1234"), b.Bytes())
}

func TestCapBufferSecondWriteRejected(t *testing.T) {
	b := newCapBuffer(4)
	_, err := b.Write([]byte("1234"))
	require.NoError(t, err)

	_, err = b.Write([]byte("x"))
	assert.ErrorIs(t, err, errByteBudget)
	assert.True(t, b.Truncated())
	assert.Equal(t, []byte("1234"), b.Bytes())
}
