package proxy

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/morezero/agent-host/pkg/correlation"
	"github.com/morezero/agent-host/pkg/method"
)

// DefaultCacheSize bounds the number of callers a Factory keeps.
const DefaultCacheSize = 256

type callerKey struct {
	agentID  string
	target   string
	contract string
}

// Factory hands out callers, reusing them per (agent, target, contract).
type Factory struct {
	host   Sender
	queues *correlation.Registry
	cache  *lru.Cache
}

// NewFactory creates a factory. size <= 0 uses DefaultCacheSize.
func NewFactory(host Sender, queues *correlation.Registry, size int) (*Factory, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("proxy:factory - caller cache: %w", err)
	}
	return &Factory{host: host, queues: queues, cache: cache}, nil
}

// Caller returns the caller agentID uses to reach target through contract.
func (f *Factory) Caller(agentID, target string, contract *method.Contract) *Caller {
	key := callerKey{agentID: agentID, target: target, contract: contract.Name()}
	if v, ok := f.cache.Get(key); ok {
		if c := v.(*Caller); c.contract == contract {
			return c
		}
	}
	c := NewCaller(f.host, f.queues, agentID, target, contract)
	f.cache.Add(key, c)
	return c
}

// Len returns the number of cached callers.
func (f *Factory) Len() int { return f.cache.Len() }

// Purge forgets every cached caller.
func (f *Factory) Purge() { f.cache.Purge() }
