package cube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHandles(t *testing.T) {
	var r Registry
	a, b := &recordingListener{}, &recordingListener{}

	ha := r.Register(a)
	hb := r.Register(b)
	assert.False(t, ha.IsZero())
	assert.Equal(t, 2, r.Len())

	got, ok := r.Lookup(ha)
	require.True(t, ok)
	assert.Same(t, a, got)

	require.True(t, r.Deregister(ha))
	assert.False(t, r.Deregister(ha), "double deregistration")
	_, ok = r.Lookup(ha)
	assert.False(t, ok)

	// The freed slot is reused under a new generation; the stale handle
	// must not resolve to the new occupant.
	c := &recordingListener{}
	hc := r.Register(c)
	assert.Equal(t, ha.index, hc.index)
	assert.NotEqual(t, ha.gen, hc.gen)
	_, ok = r.Lookup(ha)
	assert.False(t, ok)

	var seen []Listener
	r.Each(func(_ Handle, l Listener) { seen = append(seen, l) })
	assert.ElementsMatch(t, []Listener{b, c}, seen)

	_, ok = r.Lookup(Handle{})
	assert.False(t, ok)
	assert.False(t, r.Deregister(hb) && r.Deregister(hb))
}

func TestRegistryEachAllowsDeregistration(t *testing.T) {
	var r Registry
	h := r.Register(&recordingListener{})
	r.Register(&recordingListener{})

	calls := 0
	r.Each(func(cur Handle, _ Listener) {
		calls++
		r.Deregister(cur)
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup(h)
	assert.False(t, ok)
}
