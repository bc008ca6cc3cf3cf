package transport

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"helixstream/internal/stream"
)

type Endpoint interface {
	URL(path string) string
	Header() http.Header
}

type Registry struct {
	mu      sync.RWMutex
	dialers map[string]stream.Dialer
}

func NewRegistry() *Registry {
	return &Registry{
		dialers: map[string]stream.Dialer{},
	}
}

func (r *Registry) Register(name string, d stream.Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = d
}

func (r *Registry) Get(name string) (stream.Dialer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[name]
	if !ok {
		return nil, fmt.Errorf("transport %q is not registered", name)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
