// Package dispatcher invokes a named request on a local target object.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
)

const logPrefix = "dispatcher:dispatch"

// Dispatcher binds request parameters to a resolved method and invokes it.
type Dispatcher struct {
	methods *method.Registry
}

// NewDispatcher creates a new Dispatcher over a method registry.
func NewDispatcher(methods *method.Registry) *Dispatcher {
	return &Dispatcher{methods: methods}
}

// Invoke runs req against target and always returns a response: faults never
// escape as Go errors or panics. The caller's URL, when known, travels in ctx
// (see method.WithSender).
func (d *Dispatcher) Invoke(ctx context.Context, target any, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	resp = &jsonrpc.Response{ID: req.ID}
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	sender := method.SenderFrom(ctx)
	def, err := d.methods.Resolve(target, req.Method)
	if err != nil || !def.Allowed(target, sender) {
		resp.SetError(jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("Method '%s' not found. The method does not exist or you are not authorized.", req.Method)))
		return resp
	}

	args, rpcErr := bind(def, req.Params, sender)
	if rpcErr != nil {
		resp.SetError(rpcErr)
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn(fmt.Sprintf("%s - panic in %s: %v", logPrefix, req.Method, r))
			if perr, ok := r.(error); ok {
				resp.SetError(toRPCError(perr))
				return
			}
			resp.SetError(jsonrpc.NewError(jsonrpc.CodeInternalError, fmt.Sprint(r)))
		}
	}()

	result, err := def.Call(ctx, target, args)
	if err != nil {
		if jsonrpc.AsError(err) == nil {
			slog.Warn(fmt.Sprintf("%s - %s failed: %v", logPrefix, req.Method, err))
		}
		resp.SetError(toRPCError(err))
		return resp
	}
	resp.SetResult(result)
	return resp
}

// Describe lists target's callable methods.
func (d *Dispatcher) Describe(target any) []method.Signature {
	return d.methods.Describe(target)
}

func bind(def *method.Def, params jsonrpc.Params, sender string) ([]reflect.Value, *jsonrpc.Error) {
	if def.Bag {
		if params == nil {
			params = jsonrpc.Params{}
		}
		return []reflect.Value{reflect.ValueOf(params)}, nil
	}

	args := make([]reflect.Value, len(def.Params))
	for i, p := range def.Params {
		if p.Sender {
			args[i] = reflect.ValueOf(sender).Convert(p.Type)
			continue
		}
		raw, ok := params[p.Name]
		if !ok {
			if p.Required {
				return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams,
					fmt.Sprintf("Required parameter '%s' missing.", p.Name))
			}
			if !method.CanBeAbsent(p.Type) {
				return nil, jsonrpc.NewError(jsonrpc.CodeInternalError,
					fmt.Sprintf("Parameter '%s' cannot be both optional and a primitive type (%s)", p.Name, p.Type))
			}
			args[i] = reflect.Zero(p.Type)
			continue
		}
		v, err := method.Convert(raw, p.Type)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams,
				fmt.Sprintf("Parameter '%s': %v", p.Name, err))
		}
		args[i] = v
	}
	return args, nil
}

// toRPCError keeps structured errors as they are and classifies anything else
// as an internal error carrying the error's message.
func toRPCError(err error) *jsonrpc.Error {
	if rpcErr := jsonrpc.AsError(err); rpcErr != nil {
		return rpcErr
	}
	return jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
}
