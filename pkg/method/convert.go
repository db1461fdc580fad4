package method

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

// Convert turns a decoded wire value into a value of type t. Values already
// assignable to t are used as they are; anything else goes through a JSON
// round trip so numbers, maps and slices land in the declared Go type.
func Convert(v any, t reflect.Type) (reflect.Value, error) {
	if isNil(v) || v == jsonrpc.NoValue {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot encode %T: %w", v, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %s to %s: %w", string(data), t, err)
	}
	return ptr.Elem(), nil
}

// ConvertTo is Convert for a static target type.
func ConvertTo[T any](v any) (T, error) {
	var zero T
	if isNil(v) || v == jsonrpc.NoValue {
		return zero, nil
	}
	rv, err := Convert(v, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	out, ok := rv.Interface().(T)
	if !ok {
		// rv holds a concrete value for an interface T that it does not satisfy
		return zero, fmt.Errorf("cannot convert %T to %T", v, zero)
	}
	return out, nil
}

// CanBeAbsent reports whether t has a natural "no value". Booleans, numbers
// and strings do not, so they cannot back an optional parameter.
func CanBeAbsent(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.String:
		return false
	}
	return true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	return isNilValue(reflect.ValueOf(v))
}
