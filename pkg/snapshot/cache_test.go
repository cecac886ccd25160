package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_FirstUpdateIsFull(t *testing.T) {
	c := NewCache()
	u, ok := c.Next(Switches, []byte{0, 1})
	require.True(t, ok)
	assert.True(t, u.Full)
	assert.Equal(t, []byte{0, 1}, u.Raw())

	_, ok = c.Next(Switches, []byte{0, 1})
	assert.False(t, ok, "unchanged state must not produce an update")
}

func TestCache_DiffAgainstLast(t *testing.T) {
	c := NewCache()
	c.Store(Switches, []byte{0, 0, 0})
	u, ok := c.Next(Switches, []byte{0, 2, 0})
	require.True(t, ok)
	assert.False(t, u.Full)
	assert.Equal(t, []Change{{1, 2}}, u.Changes)
	assert.Equal(t, []byte{0, 2, 0}, c.Last(Switches))
}

func TestCache_KindsAreIndependent(t *testing.T) {
	c := NewCache()
	c.Store(Switches, []byte{1})
	_, ok := c.Next(Switches, []byte{1})
	assert.False(t, ok)
	u, ok := c.Next(Signals, []byte{1, 2, 3})
	require.True(t, ok)
	assert.True(t, u.Full)
}

func TestCache_LengthChangeSendsFull(t *testing.T) {
	c := NewCache()
	c.Store(Signals, []byte{1, 2, 3})
	u, ok := c.Next(Signals, []byte{1, 2, 3, 4, 5, 6})
	require.True(t, ok)
	assert.True(t, u.Full)
}

// 加入后的加速窗口内，差分同时覆盖相对基线的变化，
// 即使某个元素在中途又变回基线值，两类接收者都能收敛。
func TestCache_BaselineConverges(t *testing.T) {
	c := NewCache()
	s0 := []byte{0, 0, 0, 0}
	c.Store(Switches, s0)
	c.MarkBaseline(Switches, s0)

	veteran := append([]byte(nil), s0...)
	latecomer := append([]byte(nil), s0...)

	s1 := []byte{1, 0, 0, 0}
	u, ok := c.Next(Switches, s1)
	require.True(t, ok)
	var err error
	veteran, err = Apply(veteran, u.Changes)
	require.NoError(t, err)
	// 迟到者错过了这一条差分

	s2 := []byte{1, 0, 3, 0}
	u, ok = c.Next(Switches, s2)
	require.True(t, ok)
	assert.Equal(t, []Change{{0, 1}, {2, 3}}, u.Changes)
	veteran, err = Apply(veteran, u.Changes)
	require.NoError(t, err)
	latecomer, err = Apply(latecomer, u.Changes)
	require.NoError(t, err)
	assert.Equal(t, s2, veteran)
	assert.Equal(t, s2, latecomer)

	// 基线不同的元素在窗口内会被反复发送
	_, ok = c.Next(Switches, s2)
	assert.True(t, ok)

	c.ClearBaseline()
	_, ok = c.Next(Switches, s2)
	assert.False(t, ok)
}

func TestCache_Reset(t *testing.T) {
	c := NewCache()
	c.Store(Switches, []byte{1})
	c.Reset()
	assert.Nil(t, c.Last(Switches))
	u, ok := c.Next(Switches, []byte{1})
	require.True(t, ok)
	assert.True(t, u.Full)
}
