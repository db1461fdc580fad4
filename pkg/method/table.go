// Package method resolves named calls to Go functions. Every agent type
// registers an explicit table once; dispatch then works from that table
// without inspecting the target on each call.
package method

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

const logPrefix = "method:table"

// ErrNotFound is returned when a name does not resolve to an eligible method.
var ErrNotFound = errors.New("method not found")

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	paramsType  = reflect.TypeOf(jsonrpc.Params(nil))
)

// ParamSpec names one argument of a registered function.
type ParamSpec struct {
	Name     string
	Optional bool
	Sender   bool
}

// Required names a parameter that callers must supply.
func Required(name string) ParamSpec { return ParamSpec{Name: name} }

// Optional names a parameter that may be omitted.
func Optional(name string) ParamSpec { return ParamSpec{Name: name, Optional: true} }

// SenderParam names a string argument that receives the caller's URL instead
// of a request parameter.
func SenderParam(name string) ParamSpec { return ParamSpec{Name: name, Sender: true} }

// Param describes one bound argument.
type Param struct {
	Name     string
	Type     reflect.Type
	Required bool
	Sender   bool
}

// Def is a resolved method descriptor.
type Def struct {
	Name     string
	Params   []Param
	Result   reflect.Type
	Bag      bool
	Borrowed bool
	Access   Access

	fn         reflect.Value
	takesCtx   bool
	returnsErr bool
	eligible   bool
}

// Call invokes the function with already converted arguments.
func (d *Def) Call(ctx context.Context, target any, args []reflect.Value) (any, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	recv := reflect.ValueOf(target)
	if !recv.IsValid() || !recv.Type().AssignableTo(d.fn.Type().In(0)) {
		return nil, fmt.Errorf("%s - target %T cannot receive %s", logPrefix, target, d.Name)
	}
	in = append(in, recv)
	if d.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := d.fn.Call(in)

	var err error
	if d.returnsErr {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, err
	}
	if isNilValue(out[0]) {
		return nil, err
	}
	return out[0].Interface(), err
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// Table holds the methods of one receiver type. A parent table is the next
// level up the hierarchy; names defined here override it.
type Table struct {
	name      string
	recv      reflect.Type
	parent    *Table
	defs      map[string]*Def
	hidden    map[string]bool
	contracts []*Contract
}

// NewTable creates a table for receiver's type. Pass a typed nil pointer
// ((*T)(nil)) for concrete types, or a pointer to an interface for tables
// shared by every implementation.
func NewTable(name string, receiver any, parent *Table) *Table {
	t := reflect.TypeOf(receiver)
	if t != nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Interface {
		t = t.Elem()
	}
	return &Table{
		name:   name,
		recv:   t,
		parent: parent,
		defs:   make(map[string]*Def),
		hidden: make(map[string]bool),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Receiver returns the receiver type.
func (t *Table) Receiver() reflect.Type { return t.recv }

// Parent returns the next level up, or nil.
func (t *Table) Parent() *Table { return t.parent }

// Implements records a contract whose parameter names may be borrowed by
// methods registered without names.
func (t *Table) Implements(c *Contract) *Table {
	t.contracts = append(t.contracts, c)
	return t
}

// Hide makes an inherited method unavailable for remote invocation.
func (t *Table) Hide(name string) *Table {
	t.hidden[name] = true
	return t
}

// SetAccess changes the access level of a method registered at this level.
func (t *Table) SetAccess(name string, access Access) error {
	d, ok := t.defs[name]
	if !ok {
		return fmt.Errorf("%s - %s: no method %q at this level", logPrefix, t.name, name)
	}
	d.Access = access
	return nil
}

// MustRegister is Register for package initialisation; it panics on error.
func (t *Table) MustRegister(name string, fn any, params ...ParamSpec) *Table {
	if err := t.Register(name, fn, params...); err != nil {
		panic(err)
	}
	return t
}

// Register adds a method. fn takes the receiver first, optionally a
// context.Context, then the call arguments, and returns nothing, an error, a
// value, or a value and an error.
func (t *Table) Register(name string, fn any, params ...ParamSpec) error {
	if name == "" {
		return fmt.Errorf("%s - %s: method name is required", logPrefix, t.name)
	}
	if _, dup := t.defs[name]; dup {
		return fmt.Errorf("%s - %s: ambiguous method %q, already registered at this level", logPrefix, t.name, name)
	}

	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return fmt.Errorf("%s - %s.%s: expected a function, got %T", logPrefix, t.name, name, fn)
	}
	ft := fv.Type()
	if ft.NumIn() < 1 {
		return fmt.Errorf("%s - %s.%s: function must take the receiver first", logPrefix, t.name, name)
	}
	if t.recv != nil && !t.recv.AssignableTo(ft.In(0)) {
		return fmt.Errorf("%s - %s.%s: receiver %s does not fit %s", logPrefix, t.name, name, t.recv, ft.In(0))
	}

	d := &Def{Name: name, fn: fv, eligible: true}

	first := 1
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		d.takesCtx = true
		first = 2
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			d.returnsErr = true
		} else {
			d.Result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return fmt.Errorf("%s - %s.%s: second result must be error", logPrefix, t.name, name)
		}
		d.Result = ft.Out(0)
		d.returnsErr = true
	default:
		return fmt.Errorf("%s - %s.%s: too many results", logPrefix, t.name, name)
	}

	args := make([]reflect.Type, 0, ft.NumIn()-first)
	for i := first; i < ft.NumIn(); i++ {
		args = append(args, ft.In(i))
	}
	if len(params) > len(args) {
		return fmt.Errorf("%s - %s.%s: %d names for %d arguments", logPrefix, t.name, name, len(params), len(args))
	}

	if len(args) == 1 && args[0] == paramsType && len(params) == 0 {
		d.Bag = true
		d.Params = []Param{{Name: "params", Type: paramsType, Required: true}}
		t.defs[name] = d
		return nil
	}

	if len(params) < len(args) {
		if borrowed, ok := t.borrow(name, len(args)); ok {
			params = borrowed
			d.Borrowed = true
			slog.Warn(fmt.Sprintf("%s - %s.%s: parameter names borrowed from contract", logPrefix, t.name, name))
		} else {
			d.eligible = false
			slog.Debug(fmt.Sprintf("%s - %s.%s: unnamed parameters, not callable", logPrefix, t.name, name))
		}
	}

	if d.eligible {
		d.Params = make([]Param, len(args))
		for i, at := range args {
			spec := params[i]
			if spec.Sender && at.Kind() != reflect.String {
				return fmt.Errorf("%s - %s.%s: sender parameter %q must be a string", logPrefix, t.name, name, spec.Name)
			}
			d.Params[i] = Param{Name: spec.Name, Type: at, Required: !spec.Optional && !spec.Sender, Sender: spec.Sender}
		}
	}

	t.defs[name] = d
	return nil
}

func (t *Table) borrow(name string, n int) ([]ParamSpec, bool) {
	for _, c := range t.contracts {
		specs, ok := c.Params(name)
		if ok && len(specs) == n {
			return specs, true
		}
	}
	return nil, false
}

// Resolve finds the eligible method visible under name, walking up the
// hierarchy.
func (t *Table) Resolve(name string) (*Def, error) {
	for level := t; level != nil; level = level.parent {
		if d, ok := level.defs[name]; ok {
			if !d.eligible || d.Access.Level == Unavailable {
				break
			}
			return d, nil
		}
		if level.hidden[name] {
			break
		}
	}
	return nil, fmt.Errorf("%s - %s: %w: %s", logPrefix, t.name, ErrNotFound, name)
}

// Signature is the public description of one method.
type Signature struct {
	Method string      `json:"method"`
	Params []ParamInfo `json:"params"`
	Result ResultInfo  `json:"result"`
}

// ParamInfo describes one parameter in a Signature.
type ParamInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// ResultInfo describes the result in a Signature.
type ResultInfo struct {
	Type string `json:"type"`
}

// Describe lists every callable method, sorted by name.
func (t *Table) Describe() []Signature {
	seen := make(map[string]bool)
	var out []Signature
	for level := t; level != nil; level = level.parent {
		names := make([]string, 0, len(level.defs))
		for name := range level.defs {
			names = append(names, name)
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			d := level.defs[name]
			if !d.eligible || d.Access.Level == Unavailable {
				continue
			}
			out = append(out, d.signature())
		}
		for name := range level.hidden {
			seen[name] = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

func (d *Def) signature() Signature {
	s := Signature{Method: d.Name, Params: []ParamInfo{}, Result: ResultInfo{Type: "void"}}
	for _, p := range d.Params {
		if p.Sender {
			continue
		}
		s.Params = append(s.Params, ParamInfo{Name: p.Name, Type: typeName(p.Type), Required: p.Required})
	}
	if d.Result != nil {
		s.Result.Type = typeName(d.Result)
	}
	return s
}

func typeName(t reflect.Type) string {
	if t == paramsType {
		return "Params"
	}
	return t.String()
}
