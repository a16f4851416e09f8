package subgraph

import (
	"fmt"

	"github.com/chainloom/subgraph-mirror/internal/schema"
)

// Provider is one subgraph endpoint and the entities it serves.
type Provider struct {
	Name              string
	Endpoint          string
	MaxRowsPerRequest int
	Entities          []string
}

// Registry resolves providers by name and by the entity they serve.
type Registry struct {
	byName   map[string]Provider
	byEntity map[string]string
	order    []string
}

// NewRegistry builds a registry from manifest provider declarations.
// An entity served by two providers is a configuration error.
func NewRegistry(decls []schema.ProviderDecl) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]Provider, len(decls)),
		byEntity: make(map[string]string),
	}
	for _, d := range decls {
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("subgraph: duplicate provider %q", d.Name)
		}
		p := Provider{
			Name:              d.Name,
			Endpoint:          d.Endpoint,
			MaxRowsPerRequest: d.MaxRowsPerRequest,
			Entities:          append([]string(nil), d.Entities...),
		}
		r.byName[d.Name] = p
		r.order = append(r.order, d.Name)
		for _, e := range d.Entities {
			if owner, taken := r.byEntity[e]; taken {
				return nil, fmt.Errorf("subgraph: entity %q declared by both %q and %q", e, owner, d.Name)
			}
			r.byEntity[e] = d.Name
		}
	}
	return r, nil
}

// Provider returns the named provider.
func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// ForEntity returns the provider serving the entity.
func (r *Registry) ForEntity(entity string) (Provider, bool) {
	name, ok := r.byEntity[entity]
	if !ok {
		return Provider{}, false
	}
	return r.byName[name], true
}

// All returns every provider in declaration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}
