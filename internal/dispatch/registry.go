package dispatch

import "sync"

type registryKey struct {
	channel Channel
	name    string
}

// Registry is the closed lookup of provider implementations keyed by
// (channel, providerName). Adding a provider means registering a new
// implementation, not branching on strings.
type Registry struct {
	mu        sync.RWMutex
	providers map[registryKey]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[registryKey]Provider)}
}

func (r *Registry) Register(channel Channel, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[registryKey{channel: channel, name: p.Name()}] = p
}

func (r *Registry) Lookup(channel Channel, name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[registryKey{channel: channel, name: name}]
	return p, ok
}
