package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterV1 struct{ Base }

type counterV2 struct{ Base }

func typeFor(name, version string, table func() any) *Type {
	return &Type{
		Name:    name,
		Version: version,
		New:     func(env *Env) (Agent, error) { return &counterV1{Base: NewBase(env)}, nil },
		Methods: NewTable(name+"@"+version, table()),
	}
}

func TestCatalog_RegisterValidates(t *testing.T) {
	c := NewCatalog()
	assert.Error(t, c.Register(nil))
	assert.Error(t, c.Register(&Type{Name: "9bad", Version: "1.0.0"}))
	assert.Error(t, c.Register(&Type{Name: "ok", Version: "one"}))
	assert.Error(t, c.Register(&Type{Name: "ok", Version: "1.0.0"}), "constructor and table are required")

	v1 := typeFor("demo.counter", "1.0.0", func() any { return (*counterV1)(nil) })
	require.NoError(t, c.Register(v1))
	assert.Error(t, c.Register(typeFor("demo.counter", "1.0.0", func() any { return (*counterV2)(nil) })), "duplicate ref")
	assert.Error(t, c.Register(typeFor("demo.other", "1.0.0", func() any { return (*counterV1)(nil) })),
		"a receiver type is served by one table")
}

func TestCatalog_Lookup(t *testing.T) {
	c := NewCatalog()
	v1 := typeFor("demo.counter", "1.0.0", func() any { return (*counterV1)(nil) })
	v11 := &Type{Name: "demo.counter", Version: "1.1.0", New: v1.New, Methods: v1.Methods}
	v2 := typeFor("demo.counter", "2.0.0", func() any { return (*counterV2)(nil) })
	c.MustRegister(v1, v11, v2)

	tests := []struct {
		ref  string
		want *Type
	}{
		{"demo.counter", v2},
		{"demo.counter@1", v11},
		{"demo.counter@1.0.0", v1},
		{"demo.counter@1.0.7", v11},
		{"demo.counter@^1.0.0", v11},
		{"demo.counter@2", v2},
	}
	for _, tt := range tests {
		got, err := c.Lookup(tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Same(t, tt.want, got, tt.ref)
	}

	for _, ref := range []string{"demo.missing", "demo.counter@3", "demo.counter@", "@1"} {
		_, err := c.Lookup(ref)
		assert.True(t, errors.Is(err, ErrUnknownType), ref)
	}

	assert.Equal(t, []string{"demo.counter@1.0.0", "demo.counter@1.1.0", "demo.counter@2.0.0"}, c.Types())
}

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func TestRefs_DropClosesValues(t *testing.T) {
	r := NewRefs()
	c := &closer{}
	r.Put("conn", c)
	r.Put("plain", "x")
	assert.Equal(t, []string{"conn", "plain"}, r.Keys())

	built := 0
	v := r.LoadOrStore("lazy", func() any { built++; return 1 })
	r.LoadOrStore("lazy", func() any { built++; return 2 })
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, built)

	r.Drop()
	assert.True(t, c.closed)
	assert.Zero(t, r.Len())
	_, ok := RefAs[string](r, "plain")
	assert.False(t, ok)
	_, ok = RefAs[string](nil, "plain")
	assert.False(t, ok)
}
