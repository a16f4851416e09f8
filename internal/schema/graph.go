package schema

import (
	"fmt"
	"sort"
)

// Graph holds every entity schema plus the derived FK-safe ordering and the
// child index. Built once per process; all accessors return copies so callers
// cannot mutate the underlying state.
type Graph struct {
	entities map[string]EntitySchema
	order    []string // FK-safe: referenced entities before referencers
	children map[string][]ChildRef
}

// Build validates the declared schemas and derives the FK-safe entity order.
// Every Reference column must name a declared entity, and the reference graph
// must be acyclic.
func Build(declared []EntitySchema) (*Graph, error) {
	entities := make(map[string]EntitySchema, len(declared))
	declaredOrder := make([]string, 0, len(declared))
	for _, e := range declared {
		if _, dup := entities[e.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate entity %q", e.Name)
		}
		entities[e.Name] = e
		declaredOrder = append(declaredOrder, e.Name)
	}

	for _, e := range declared {
		for _, c := range e.Columns {
			ref, ok := c.Type.(Reference)
			if !ok {
				continue
			}
			if _, known := entities[ref.Entity]; !known {
				return nil, fmt.Errorf("schema: entity %q column %q references unknown entity %q", e.Name, c.Name, ref.Entity)
			}
		}
	}

	order, err := topoSort(entities, declaredOrder)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]ChildRef)
	for _, name := range declaredOrder {
		e := entities[name]
		for _, c := range e.Columns {
			if ref, ok := c.Type.(Reference); ok {
				children[ref.Entity] = append(children[ref.Entity], ChildRef{Entity: e.Name, Column: c.Name})
			}
		}
	}

	return &Graph{entities: entities, order: order, children: children}, nil
}

// topoSort orders entities so that every referenced entity precedes its
// referencers (Kahn's algorithm). Declared order breaks ties so the result
// is deterministic.
func topoSort(entities map[string]EntitySchema, declaredOrder []string) ([]string, error) {
	pos := make(map[string]int, len(declaredOrder))
	for i, name := range declaredOrder {
		pos[name] = i
	}

	// indegree = number of distinct entities this entity references
	indegree := make(map[string]int, len(entities))
	dependents := make(map[string][]string)
	for _, name := range declaredOrder {
		indegree[name] = 0
	}
	for _, name := range declaredOrder {
		e := entities[name]
		seen := make(map[string]bool)
		for _, c := range e.Columns {
			ref, ok := c.Type.(Reference)
			if !ok || ref.Entity == e.Name || seen[ref.Entity] {
				continue
			}
			seen[ref.Entity] = true
			indegree[name]++
			dependents[ref.Entity] = append(dependents[ref.Entity], name)
		}
	}

	var ready []string
	for _, name := range declaredOrder {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(entities))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(entities) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("schema: reference cycle involving %v", stuck)
	}
	return order, nil
}

// Entity returns the schema for name and whether it is declared.
func (g *Graph) Entity(name string) (EntitySchema, bool) {
	e, ok := g.entities[name]
	return e, ok
}

// Has reports whether name is a declared entity.
func (g *Graph) Has(name string) bool {
	_, ok := g.entities[name]
	return ok
}

// EntityOrder returns the FK-safe order of all entities.
func (g *Graph) EntityOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// UpsertOrder returns the FK-safe order, filtered to only when given.
// Referenced entities come before their referencers.
func (g *Graph) UpsertOrder(only ...string) []string {
	if len(only) == 0 {
		return g.EntityOrder()
	}
	keep := make(map[string]bool, len(only))
	for _, name := range only {
		keep[name] = true
	}
	var out []string
	for _, name := range g.order {
		if keep[name] {
			out = append(out, name)
		}
	}
	return out
}

// DeleteOrder is the exact reverse of UpsertOrder.
func (g *Graph) DeleteOrder(only ...string) []string {
	out := g.UpsertOrder(only...)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// DirectChildren returns every (entity, column) pair whose column references
// entityName.
func (g *Graph) DirectChildren(entityName string) []ChildRef {
	refs := g.children[entityName]
	out := make([]ChildRef, len(refs))
	copy(out, refs)
	return out
}
