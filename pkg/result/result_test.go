package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupStates(t *testing.T) {
	t.Parallel()

	f := Of(42)
	v, ok := f.Get()
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Equal(t, Found, f.State())

	n := None[int]()
	assert.True(t, n.Missing())
	_, err := n.Unwrap()
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("disk")
	e := Fail[int](boom)
	_, ok = e.Get()
	assert.False(t, ok)
	assert.False(t, e.Missing())
	_, err = e.Unwrap()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "Failed(disk)", e.String())
}
