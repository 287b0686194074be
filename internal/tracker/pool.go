package tracker

import "sync"

// ParamPool caches immutable parameter templates for common operation
// shapes, so high-volume callers can stamp out parameter maps without
// rebuilding them per invocation. Copies are always returned, never the
// shared template.
type ParamPool struct {
	mu        sync.RWMutex
	templates map[string]map[string]string
}

// NewParamPool creates a pool pre-registered with the common command
// shapes.
func NewParamPool() *ParamPool {
	p := &ParamPool{templates: make(map[string]map[string]string)}

	p.Add("empty", map[string]string{})
	p.Add("list", map[string]string{"operation": "list"})
	p.Add("list-limit", map[string]string{"operation": "list", "limit": "10"})
	p.Add("view", map[string]string{"operation": "view"})
	p.Add("add", map[string]string{"operation": "add"})
	p.Add("update", map[string]string{"operation": "update"})
	p.Add("json-format", map[string]string{"format": "json"})
	p.Add("text-format", map[string]string{"format": "text"})

	return p
}

// GetOrCreate returns a deep copy of the template registered under key, or
// a fresh empty map when the key is unknown.
func (p *ParamPool) GetOrCreate(key string) map[string]string {
	p.mu.RLock()
	tmpl, ok := p.templates[key]
	p.mu.RUnlock()

	if !ok {
		return make(map[string]string)
	}
	out := make(map[string]string, len(tmpl))
	for k, v := range tmpl {
		out[k] = v
	}
	return out
}

// Add registers a reusable template under key. The map is copied on the way
// in, so later caller mutations cannot poison the pool.
func (p *ParamPool) Add(key string, params map[string]string) {
	tmpl := make(map[string]string, len(params))
	for k, v := range params {
		tmpl[k] = v
	}

	p.mu.Lock()
	p.templates[key] = tmpl
	p.mu.Unlock()
}

// Keys returns the registered template keys.
func (p *ParamPool) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.templates))
	for k := range p.templates {
		keys = append(keys, k)
	}
	return keys
}
