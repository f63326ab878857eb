package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nop(ctx context.Context, args []interface{}) (interface{}, error) {
	return nil, nil
}

func TestHandlerRegistry(t *testing.T) {

	params := []string{"a", "b"}
	r, err := NewHandlerRegistry(
		Handler{Route: "add", Params: params, Invoke: nop},
		Handler{Route: "ping", Invoke: nop},
	)
	require.NoError(t, err)

	// the registry keeps its own copy of the parameter names
	params[0] = "z"

	h, ok := r.Lookup("add")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, h.Params)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"add", "ping"}, r.Routes())
}

func TestHandlerRegistryRejects(t *testing.T) {

	cases := map[string][]Handler{
		"empty route": {
			{Invoke: nop},
		},
		"nil invoke": {
			{Route: "a"},
		},
		"duplicate route": {
			{Route: "a", Invoke: nop},
			{Route: "a", Invoke: nop},
		},
		"duplicate param": {
			{Route: "a", Params: []string{"x", "x"}, Invoke: nop},
		},
	}

	for name, handlers := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewHandlerRegistry(handlers...)
			assert.Error(t, err)
		})
	}

	assert.Panics(t, func() {
		MustHandlerRegistry(Handler{Route: "a"})
	})
}

func TestNilHandlerRegistry(t *testing.T) {

	var r *HandlerRegistry
	_, ok := r.Lookup("a")
	assert.False(t, ok)
	assert.Empty(t, r.Routes())
}
