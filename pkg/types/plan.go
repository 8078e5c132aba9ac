package types

import (
	"fmt"
	"sort"
)

// SchemaPlan is the flattened, dependency-ordered view of a schema forest.
// Entities appear after every entity they reference, so it serves both as
// table creation order and as synchronization order.
type SchemaPlan struct {
	Entities []EntityScheme
	index    map[string]int
}

// Entity returns the planned entity with the given name.
func (p *SchemaPlan) Entity(name string) (EntityScheme, bool) {
	i, ok := p.index[name]
	if !ok {
		return EntityScheme{}, false
	}
	return p.Entities[i], true
}

// Names returns entity names in plan order.
func (p *SchemaPlan) Names() []string {
	names := make([]string, len(p.Entities))
	for i, e := range p.Entities {
		names[i] = e.Name
	}
	return names
}

// Version returns the highest attribute version in the plan.
func (p *SchemaPlan) Version() int {
	v := 0
	for _, e := range p.Entities {
		for _, a := range e.Attributes {
			if a.Version > v {
				v = a.Version
			}
		}
	}
	return v
}

// PlanSchema validates a schema forest and orders its entities so that
// every referenced entity precedes the entities referencing it. A child
// nested under Related depends on its parent even when it does not declare
// the foreign key itself. Level is 0 for entities with no dependencies and
// one more than the deepest dependency otherwise. Ties keep depth-first
// declaration order.
func PlanSchema(schemes []EntityScheme) (*SchemaPlan, error) {
	var flat []EntityScheme
	parents := make(map[string]string)
	var walk func(e EntityScheme, parent string) error
	walk = func(e EntityScheme, parent string) error {
		if err := e.Validate(); err != nil {
			return err
		}
		for _, existing := range flat {
			if existing.Name == e.Name {
				return fmt.Errorf("entity %q declared twice: %w", e.Name, ErrInvalidSchema)
			}
		}
		own := e
		own.Related = nil
		flat = append(flat, own)
		if parent != "" {
			parents[e.Name] = parent
		}
		for _, child := range e.Related {
			if err := walk(child, e.Name); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range schemes {
		if err := walk(e, ""); err != nil {
			return nil, err
		}
	}

	position := make(map[string]int, len(flat))
	for i, e := range flat {
		position[e.Name] = i
	}

	deps := make(map[string][]string, len(flat))
	for _, e := range flat {
		set := make(map[string]bool)
		if p, ok := parents[e.Name]; ok {
			set[p] = true
		}
		for _, a := range e.Attributes {
			if !a.IsForeignKey() {
				continue
			}
			if _, ok := position[a.LinkedEntity]; !ok {
				return nil, fmt.Errorf("entity %q attribute %q references %q: %w",
					e.Name, a.Name, a.LinkedEntity, ErrUnknownLinkedEntity)
			}
			if a.LinkedEntity != e.Name {
				set[a.LinkedEntity] = true
			}
		}
		for d := range set {
			deps[e.Name] = append(deps[e.Name], d)
		}
		sort.Slice(deps[e.Name], func(i, j int) bool {
			return position[deps[e.Name][i]] < position[deps[e.Name][j]]
		})
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(flat))
	levels := make(map[string]int, len(flat))
	ordered := make([]EntityScheme, 0, len(flat))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("entity %q: %w", name, ErrSchemaCycle)
		}
		state[name] = visiting
		level := 0
		for _, d := range deps[name] {
			if err := visit(d); err != nil {
				return err
			}
			if levels[d]+1 > level {
				level = levels[d] + 1
			}
		}
		state[name] = done
		levels[name] = level
		e := flat[position[name]]
		e.Level = level
		ordered = append(ordered, e)
		return nil
	}
	for _, e := range flat {
		if err := visit(e.Name); err != nil {
			return nil, err
		}
	}

	plan := &SchemaPlan{Entities: ordered, index: make(map[string]int, len(ordered))}
	for i, e := range ordered {
		plan.index[e.Name] = i
	}
	return plan, nil
}
