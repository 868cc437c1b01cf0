package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-eh/unwind/registry"
)

func TestRegisterFindDeregister(t *testing.T) {
	r := registry.New()
	a := &registry.Object{Begin: 0x1000, End: 0x2000, Name: "a"}
	b := &registry.Object{Begin: 0x3000, End: 0x4000, Name: "b"}

	r.Register(b)
	r.Register(a) // registered out of address order; Find must still work

	assert.Same(t, a, r.Find(0x1500))
	assert.Same(t, b, r.Find(0x3500))
	assert.Nil(t, r.Find(0x2500))
	assert.Nil(t, r.Find(0x0500))
	assert.Equal(t, 2, r.Len())

	objs := r.Objects()
	assert.Equal(t, []*registry.Object{a, b}, objs)

	assert.True(t, r.Deregister(0x1000))
	assert.Nil(t, r.Find(0x1500))
	assert.False(t, r.Deregister(0x1000))
	assert.Equal(t, 1, r.Len())
}

func TestFindEmptyRegistry(t *testing.T) {
	r := registry.New()
	assert.Nil(t, r.Find(0x1234))
}
