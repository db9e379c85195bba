package handle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	var r Registry[string]
	a := r.Insert("a")
	b := r.Insert("b")
	require.NotEqual(t, Null, a)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, r.Len())

	v, ok := r.Get(a)
	require.True(t, ok)
	require.Equal(t, "a", v)

	v, ok = r.Remove(a)
	require.True(t, ok)
	require.Equal(t, "a", v)
	_, ok = r.Get(a)
	require.False(t, ok)
	_, ok = r.Remove(a)
	require.False(t, ok)
	require.Equal(t, 1, r.Len())
}

func TestRegistryStaleHandle(t *testing.T) {
	var r Registry[int]
	old := r.Insert(1)
	r.Remove(old)
	reused := r.Insert(2)

	require.Equal(t, old.index(), reused.index())
	require.NotEqual(t, old, reused)
	_, ok := r.Get(old)
	require.False(t, ok)
	v, ok := r.Get(reused)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestRegistryNull(t *testing.T) {
	var r Registry[int]
	_, ok := r.Get(Null)
	require.False(t, ok)
	_, ok = r.Get(Handle(12345))
	require.False(t, ok)
}

func TestRegistryEach(t *testing.T) {
	var r Registry[int]
	hs := []Handle{r.Insert(10), r.Insert(20), r.Insert(30)}
	r.Remove(hs[1])

	var got []int
	r.Each(func(h Handle, v int) { got = append(got, v) })
	require.Equal(t, []int{10, 30}, got)
}
