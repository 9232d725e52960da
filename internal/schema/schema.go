// Package schema describes the entity types shared by every channel: their
// identity key, required fields, ordering and the event names bound to each
// operation.
package schema

import (
	"sort"

	"golang.org/x/xerrors"
)

// Op is one of the four mutations an entity type may support.
type Op string

const (
	OpAdd     Op = "add"
	OpUpdate  Op = "update"
	OpRemove  Op = "remove"
	OpReorder Op = "reorder"
)

// Ops lists every operation in a stable order.
var Ops = []Op{OpAdd, OpUpdate, OpRemove, OpReorder}

// ReorderField is the payload field carrying the ordered identity list of a
// reorder event.
const ReorderField = "order"

// Schema is immutable configuration for a single entity type.
type Schema struct {
	// Name is the key of the collection in a channel's state, e.g. "goals".
	Name string
	// Key is the identity field name, usually "id".
	Key string
	// Required must be present in add and update payloads.
	Required []string
	// OrderField is set for order-sensitive types.
	OrderField string
	// Events maps each supported op to its wire event name.
	Events map[Op]string
}

// OrderSensitive reports whether records carry a contiguous order index.
func (s Schema) OrderSensitive() bool {
	return s.OrderField != ""
}

// Supports reports whether op has an event bound to it.
func (s Schema) Supports(op Op) bool {
	_, ok := s.Events[op]
	return ok
}

// Event returns the wire event name for op, or "" if unsupported.
func (s Schema) Event(op Op) string {
	return s.Events[op]
}

type binding struct {
	entity string
	op     Op
}

// Registry indexes schemas by entity name and by event name.
type Registry struct {
	byName  map[string]Schema
	byEvent map[string]binding
	names   []string
}

// NewRegistry validates and indexes the given schemas. Entity names and event
// names must be unique across the registry.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]Schema, len(schemas)),
		byEvent: make(map[string]binding),
	}
	for _, s := range schemas {
		if s.Name == "" || s.Key == "" {
			return nil, xerrors.Errorf("schema %q: name and key are required", s.Name)
		}
		if _, ok := r.byName[s.Name]; ok {
			return nil, xerrors.Errorf("schema %q registered twice", s.Name)
		}
		if s.Supports(OpReorder) && !s.OrderSensitive() {
			return nil, xerrors.Errorf("schema %q: reorder requires an order field", s.Name)
		}
		for op, event := range s.Events {
			if prev, ok := r.byEvent[event]; ok {
				return nil, xerrors.Errorf("event %q bound to both %s and %s", event, prev.entity, s.Name)
			}
			r.byEvent[event] = binding{entity: s.Name, op: op}
		}
		r.byName[s.Name] = s
		r.names = append(r.names, s.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the schema for an entity type.
func (r *Registry) Get(name string) (Schema, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Lookup resolves a wire event name to its schema and operation.
func (r *Registry) Lookup(event string) (Schema, Op, bool) {
	b, ok := r.byEvent[event]
	if !ok {
		return Schema{}, "", false
	}
	return r.byName[b.entity], b.op, true
}

// Names returns the entity type names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Events returns every bound event name in sorted order.
func (r *Registry) Events() []string {
	out := make([]string, 0, len(r.byEvent))
	for e := range r.byEvent {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
