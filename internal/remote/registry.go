package remote

import (
	"fmt"
	"sort"
)

type Registry struct {
	stagers map[string]Stager
}

func NewRegistry() *Registry {
	return &Registry{stagers: map[string]Stager{}}
}

func (r *Registry) Register(s Stager) {
	r.stagers[s.Name()] = s
}

func (r *Registry) Get(name string) (Stager, error) {
	s, ok := r.stagers[name]
	if !ok {
		return nil, fmt.Errorf("stager not registered: %s", name)
	}
	return s, nil
}

// Names lists registered stagers in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.stagers))
	for name := range r.stagers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
