package device

import (
	"fmt"
	"sort"
)

// Factory opens a channel for one transport kind.
type Factory func() (Channel, error)

// Registry maps transport kinds to channel factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Open builds the channel registered under name.
func (r *Registry) Open(name string) (Channel, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("transport not registered: %s", name)
	}
	ch, err := f()
	if err != nil {
		return nil, fmt.Errorf("open %s transport: %w", name, err)
	}
	return ch, nil
}

// Names lists the registered transports.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
