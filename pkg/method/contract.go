package method

import (
	"fmt"
	"sort"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

// Contract describes a remote interface: method names and their ordered
// parameter names. Proxies build requests from it, and tables borrow names
// from the contracts they implement.
type Contract struct {
	name    string
	methods map[string][]ParamSpec
}

// NewContract creates an empty contract.
func NewContract(name string) *Contract {
	return &Contract{name: name, methods: make(map[string][]ParamSpec)}
}

// Method adds a method to the contract.
func (c *Contract) Method(name string, params ...ParamSpec) *Contract {
	c.methods[name] = params
	return c
}

// Name returns the contract name.
func (c *Contract) Name() string { return c.name }

// Params returns the parameter specs of a method.
func (c *Contract) Params(method string) ([]ParamSpec, bool) {
	p, ok := c.methods[method]
	return p, ok
}

// Methods returns the method names, sorted.
func (c *Contract) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Request builds a request for method from positional args. A method declared
// without parameters accepts a single Params value that becomes the whole
// parameter object. Sender parameters are filled in by the callee and take no
// argument here.
func (c *Contract) Request(method string, args ...any) (*jsonrpc.Request, error) {
	specs, ok := c.methods[method]
	if !ok {
		return nil, fmt.Errorf("method:contract - %s has no method %q", c.name, method)
	}

	if len(specs) == 0 && len(args) == 1 {
		switch p := args[0].(type) {
		case jsonrpc.Params:
			return jsonrpc.NewRequest(method, cloneParams(p)), nil
		case map[string]any:
			return jsonrpc.NewRequest(method, cloneParams(p)), nil
		}
	}

	named := make([]ParamSpec, 0, len(specs))
	for _, s := range specs {
		if !s.Sender {
			named = append(named, s)
		}
	}
	if len(args) != len(named) {
		return nil, fmt.Errorf("method:contract - %s.%s takes %d arguments, got %d", c.name, method, len(named), len(args))
	}

	params := make(jsonrpc.Params, len(named))
	for i, s := range named {
		if isNil(args[i]) {
			if !s.Optional {
				return nil, fmt.Errorf("method:contract - %s.%s: required parameter %q is nil", c.name, method, s.Name)
			}
			continue
		}
		params[s.Name] = args[i]
	}
	return jsonrpc.NewRequest(method, params), nil
}

func cloneParams(p map[string]any) jsonrpc.Params {
	out := make(jsonrpc.Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
