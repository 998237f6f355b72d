package command

import "fmt"

// Registry holds the whitelisted command definitions in declaration order.
type Registry struct {
	defs   []Definition
	byName map[string]int
}

// NewRegistry validates defs and indexes them by name. Duplicate names are
// rejected.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{
		defs:   make([]Definition, 0, len(defs)),
		byName: make(map[string]int, len(defs)),
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[def.Name]; dup {
			return nil, fmt.Errorf("duplicate command %q", def.Name)
		}
		r.byName[def.Name] = len(r.defs)
		r.defs = append(r.defs, def)
	}
	return r, nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// All returns every definition in declaration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

func (r *Registry) Len() int {
	return len(r.defs)
}

// Bind resolves name and binds tokens against its template.
func (r *Registry) Bind(name string, tokens []string, inputPath string) (Definition, []string, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return Definition{}, nil, &ValidationError{Kind: KindUnknownCommand, Command: name}
	}
	argv, err := Bind(def, tokens, inputPath)
	if err != nil {
		return def, nil, err
	}
	return def, argv, nil
}
