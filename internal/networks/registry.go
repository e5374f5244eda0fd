package networks

import (
	"fmt"
	"sort"
)

type Registry struct {
	networks map[string]Network
}

func NewRegistry() *Registry {
	return &Registry{networks: map[string]Network{}}
}

func (r *Registry) Register(n Network) {
	r.networks[n.Name] = n
}

func (r *Registry) Get(name string) (Network, error) {
	n, ok := r.networks[name]
	if !ok {
		return Network{}, fmt.Errorf("network not configured: %s (known: %v)", name, r.Names())
	}
	return n, nil
}

// Names returns the registered network names in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
