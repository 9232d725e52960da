package crud

import (
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/schema"
)

// EmptyState returns a state with an empty collection for every entity type.
func EmptyState(reg *schema.Registry) State {
	st := make(State, len(reg.Names()))
	for _, name := range reg.Names() {
		st[name] = Collection{}
	}
	return st
}

// Clone returns a copy of the state map. Collections are shared; they are
// never modified in place.
func (st State) Clone() State {
	out := make(State, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out
}

// Normalize fits a decoded state to the registry: every entity type gets a
// collection, unknown types are dropped and order fields are reset to the
// array position as ints.
func Normalize(reg *schema.Registry, st State) State {
	out := EmptyState(reg)
	for name, coll := range st {
		s, ok := reg.Get(name)
		if !ok {
			continue
		}
		c := make(Collection, 0, len(coll))
		for _, r := range coll {
			if r != nil {
				c = append(c, r)
			}
		}
		if s.OrderSensitive() {
			c = renumber(s.OrderField, c)
		}
		out[name] = c
	}
	return out
}

// ApplyEvent resolves a wire event name and applies it to the matching
// collection. st is not modified; the returned state replaces it.
func ApplyEvent(reg *schema.Registry, st State, event string, payload map[string]any) (State, schema.Schema, Result, error) {
	s, op, ok := reg.Lookup(event)
	if !ok {
		return st, schema.Schema{}, Result{}, xerrors.Errorf("%q: %w", event, ErrUnknownEntity)
	}
	res, err := Apply(s, st[s.Name], op, payload)
	if err != nil {
		return st, s, Result{}, err
	}
	next := st.Clone()
	next[s.Name] = res.Collection
	return next, s, res, nil
}
