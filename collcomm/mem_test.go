package collcomm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRange(t *testing.T) {
	buf := NewBuffer("input", 64)
	m := buf.Mem().Range(16, 32)
	require.NoError(t, m.Err())
	assert.Equal(t, uint64(16), m.Offset())
	assert.Equal(t, uint64(32), m.Size())

	inner := m.Range(8, 8)
	require.NoError(t, inner.Err())
	assert.Equal(t, uint64(24), inner.Offset())
	assert.True(t, m.Contains(inner))
	assert.True(t, m.Overlaps(inner))

	bad := m.Range(30, 8)
	require.ErrorIs(t, bad.Err(), ErrMemoryInvalid)
	require.ErrorIs(t, bad.Range(0, 1).Err(), ErrMemoryInvalid)
	assert.Nil(t, bad.Bytes())

	var zero Mem
	require.ErrorIs(t, zero.Err(), ErrNullResource)
}

func TestCopy(t *testing.T) {
	src := NewBufferFrom("src", []byte{1, 2, 3, 4})
	dst := NewBuffer("dst", 4)
	require.NoError(t, Copy(dst.Mem(), src.Mem()))
	assert.Equal(t, []byte{1, 2, 3, 4}, dst.Mem().Bytes())

	// Aliased copies leave the data alone.
	require.NoError(t, Copy(src.Mem(), src.Mem()))
	assert.Equal(t, []byte{1, 2, 3, 4}, src.Mem().Bytes())

	require.ErrorIs(t, Copy(dst.Mem().Range(0, 2), src.Mem()), ErrMemoryInvalid)
	require.ErrorIs(t, Copy(dst.Mem(), src.Mem().Range(2, 4)), ErrMemoryInvalid)
}

func TestEqual(t *testing.T) {
	buf := NewBuffer("x", 8)
	assert.True(t, buf.Mem().Equal(buf.Mem().Range(0, 8)))
	assert.False(t, buf.Mem().Equal(buf.Mem().Range(0, 4)))
	assert.False(t, buf.Mem().Equal(NewBuffer("y", 8).Mem()))
	assert.False(t, Mem{}.Equal(Mem{}))
}
