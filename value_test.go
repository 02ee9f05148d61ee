package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUndef(t *testing.T) {
	assert.True(t, IsUndef(Undef))
	assert.False(t, IsUndef(nil))
	assert.False(t, IsUndef(0))
	assert.False(t, IsUndef(""))
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(1, 1))
	assert.False(t, valuesEqual(1, 2))
	assert.False(t, valuesEqual(1, "1"))
	assert.True(t, valuesEqual(nil, nil))
	assert.False(t, valuesEqual(nil, 0))
	assert.True(t, valuesEqual(Undef, Undef))
	assert.True(t, valuesEqual([]int{1, 2}, []int{1, 2}))
	assert.False(t, valuesEqual([]int{1, 2}, []int{1, 3}))
}

func TestDataOrderingAndAccess(t *testing.T) {
	d := DataOf("a", 1, "b", 2, "c", 3)
	require.Equal(t, []string{"a", "b", "c"}, d.Keys())

	v, ok := d.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	d.Set("a", 10)
	assert.Equal(t, []string{"a", "b", "c"}, d.Keys(), "re-setting a key must not move it")
	av, _ := d.Get("a")
	assert.Equal(t, 10, av)

	d.Set("z", 99)
	assert.Equal(t, []string{"a", "b", "c", "z"}, d.Keys())

	d.Delete("b")
	assert.Equal(t, []string{"a", "c", "z"}, d.Keys())
	_, ok = d.Get("b")
	assert.False(t, ok)

	m := d.Map()
	assert.Equal(t, map[string]any{"a": 10, "c": 3, "z": 99}, m)
}

func TestDataClone(t *testing.T) {
	d := DataOf("a", 1)
	clone := d.Clone()
	clone.Set("a", 2)
	clone.Set("b", 3)

	orig, _ := d.Get("a")
	assert.Equal(t, 1, orig)
	assert.Equal(t, 1, d.Len())
}

func TestDataOfOddArgsPanics(t *testing.T) {
	assert.Panics(t, func() { DataOf("a", 1, "b") })
}
