package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type person struct {
	Name string
	Age  int
}

func TestRegistry_StringRoundTrip(t *testing.T) {
	r := NewRegistry()

	data, err := r.Marshal("World")
	require.NoError(t, err)

	v, err := r.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, "World", v)
}

func TestRegistry_RegisteredTypeDecodesToItself(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(FirstUserTag+1, person{}))

	data, err := r.Marshal(person{Name: "Ada", Age: 36})
	require.NoError(t, err)

	v, err := r.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, person{Name: "Ada", Age: 36}, v)

	var p person
	require.NoError(t, r.UnmarshalInto(data, &p))
	require.Equal(t, "Ada", p.Name)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(12, person{}))
	require.Error(t, r.Register(FirstUserTag, nil))

	require.NoError(t, r.Register(FirstUserTag+2, &person{}))
	require.NoError(t, r.Register(FirstUserTag+2, person{}), "same type and tag is idempotent")
	require.Error(t, r.Register(FirstUserTag+3, person{}), "a type keeps its first tag")
}

func TestRegistry_RejectsNil(t *testing.T) {
	_, err := NewRegistry().Marshal(nil)
	require.Error(t, err)
}
