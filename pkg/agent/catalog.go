package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/semver"
)

// ErrUnknownType is returned when no registered type satisfies a reference.
var ErrUnknownType = errors.New("unknown agent type")

// Catalog holds the agent types a host can create, by name and version, and
// the method registry built from their tables.
type Catalog struct {
	mu      sync.RWMutex
	types   map[string]map[string]*Type
	methods *method.Registry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]map[string]*Type), methods: method.NewRegistry()}
}

// Methods returns the registry dispatch resolves against.
func (c *Catalog) Methods() *method.Registry { return c.methods }

// Register adds a type. Name and version must be valid and unique together.
func (c *Catalog) Register(t *Type) error {
	if t == nil {
		return fmt.Errorf("agent:catalog - nil type")
	}
	if !semver.ValidateTypeName(t.Name) {
		return fmt.Errorf("agent:catalog - invalid type name %q", t.Name)
	}
	if err := semver.ValidateVersion(t.Version); err != nil {
		return fmt.Errorf("agent:catalog - %s: %w", t.Name, err)
	}
	if t.New == nil || t.Methods == nil {
		return fmt.Errorf("agent:catalog - %s needs a constructor and a method table", t.Ref())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	versions, ok := c.types[t.Name]
	if !ok {
		versions = make(map[string]*Type)
		c.types[t.Name] = versions
	}
	if _, dup := versions[t.Version]; dup {
		return fmt.Errorf("agent:catalog - %s already registered", t.Ref())
	}
	if err := c.methods.Add(t.Methods); err != nil {
		return fmt.Errorf("agent:catalog - %s: %w", t.Ref(), err)
	}
	versions[t.Version] = t
	slog.Debug(fmt.Sprintf("agent:catalog - registered %s (reusable=%t)", t.Ref(), t.Reusable))
	return nil
}

// MustRegister is Register for program start; it panics on error.
func (c *Catalog) MustRegister(types ...*Type) {
	for _, t := range types {
		if err := c.Register(t); err != nil {
			panic(err)
		}
	}
}

// Lookup resolves "name", "name@major", "name@x.y.z" or "name@<range>" to a
// registered type. An exact version that is not registered falls back to the
// latest version of the same major.
func (c *Catalog) Lookup(ref string) (*Type, error) {
	parsed, err := semver.ParseTypeRef(ref)
	if err != nil {
		return nil, fmt.Errorf("agent:catalog - %w: %v", ErrUnknownType, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	versions, ok := c.types[parsed.Name]
	if !ok {
		return nil, fmt.Errorf("agent:catalog - %w: %s", ErrUnknownType, ref)
	}
	list := make([]string, 0, len(versions))
	for v := range versions {
		list = append(list, v)
	}
	picked, ok := semver.Resolve(list, parsed.Range)
	if !ok {
		return nil, fmt.Errorf("agent:catalog - %w: no version of %s satisfies %q", ErrUnknownType, parsed.Name, parsed.Range)
	}
	return versions[picked], nil
}

// Types lists every registered type reference, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var refs []string
	for _, versions := range c.types {
		for _, t := range versions {
			refs = append(refs, t.Ref())
		}
	}
	sort.Strings(refs)
	return refs
}
