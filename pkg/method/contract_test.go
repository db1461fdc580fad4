package method

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

func TestContract_RequestNamesArguments(t *testing.T) {
	c := NewContract("calc").
		Method("add", Required("a"), Required("b")).
		Method("greet", Required("who"), Optional("title"), SenderParam("from"))

	req, err := c.Request("add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "add", req.Method)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, jsonrpc.Params{"a": 1, "b": 2}, req.Params)

	req, err = c.Request("greet", "ada", nil)
	require.NoError(t, err)
	assert.Equal(t, jsonrpc.Params{"who": "ada"}, req.Params, "nil optional is omitted, sender takes no argument")
}

func TestContract_RequestErrors(t *testing.T) {
	c := NewContract("calc").Method("add", Required("a"), Required("b"))

	_, err := c.Request("sub", 1, 2)
	assert.Error(t, err)

	_, err = c.Request("add", 1)
	assert.Error(t, err)

	var missing *int
	_, err = c.Request("add", 1, missing)
	assert.Error(t, err, "typed nil for a required parameter")
}

func TestContract_BagMethod(t *testing.T) {
	c := NewContract("echo").Method("echo")
	in := jsonrpc.Params{"k": "v"}
	req, err := c.Request("echo", in)
	require.NoError(t, err)
	assert.Equal(t, in, req.Params)

	req.Params["k"] = "changed"
	assert.Equal(t, "v", in["k"], "params are copied")
}

func TestContract_Methods(t *testing.T) {
	c := NewContract("x").Method("b").Method("a")
	assert.Equal(t, []string{"a", "b"}, c.Methods())
	assert.Equal(t, "x", c.Name())
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestConvert(t *testing.T) {
	v, err := Convert(3.0, reflect.TypeOf(0))
	require.NoError(t, err)
	assert.Equal(t, 3, v.Interface())

	_, err = Convert(3.5, reflect.TypeOf(0))
	assert.Error(t, err)

	v, err = Convert(map[string]any{"x": 1.0, "y": 2.0}, reflect.TypeOf(point{}))
	require.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: 2}, v.Interface())

	v, err = Convert("same", reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "same", v.Interface())

	v, err = Convert(nil, reflect.TypeOf(&point{}))
	require.NoError(t, err)
	assert.True(t, v.IsNil())
}

func TestConvertTo(t *testing.T) {
	p, err := ConvertTo[point](map[string]any{"x": 5.0})
	require.NoError(t, err)
	assert.Equal(t, point{X: 5}, p)

	s, err := ConvertTo[[]string]([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s)

	a, err := ConvertTo[any](jsonrpc.NoValue)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestCanBeAbsent(t *testing.T) {
	assert.False(t, CanBeAbsent(reflect.TypeOf(0)))
	assert.False(t, CanBeAbsent(reflect.TypeOf("")))
	assert.False(t, CanBeAbsent(reflect.TypeOf(true)))
	assert.True(t, CanBeAbsent(reflect.TypeOf(&point{})))
	assert.True(t, CanBeAbsent(reflect.TypeOf([]int{})))
	assert.True(t, CanBeAbsent(reflect.TypeOf(point{})))
}
