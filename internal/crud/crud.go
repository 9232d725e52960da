// Package crud applies schema-validated mutations to entity collections.
//
// Collections are treated as immutable values: Apply never mutates the slice
// or the records it is given, it returns a new collection sharing the
// untouched records. This lets the server hand a state snapshot to the
// persister while the registry keeps mutating, and lets client mirrors use the
// same reducer for optimistic commands and remote events.
package crud

import (
	"encoding/json"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/schema"
)

// Record is a single entity. Fields vary per entity type.
type Record = map[string]any

// Collection is the ordered list of records of one entity type.
type Collection []Record

// State maps entity type names to their collections.
type State map[string]Collection

var (
	ErrUnknownEntity  = xerrors.New("unknown entity type")
	ErrUnsupportedOp  = xerrors.New("operation not supported")
	ErrInvalidPayload = xerrors.New("invalid payload")
)

// ValidationError names the payload field that failed validation. Its message
// is what the requesting connection receives.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return "Invalid field " + e.Field + ": " + e.Reason
	}
	return "Missing required field: " + e.Field
}

func (*ValidationError) Unwrap() error { return ErrInvalidPayload }

// Result is the outcome of an accepted mutation.
type Result struct {
	// Collection replaces the previous collection.
	Collection Collection
	// Event is the canonical payload broadcast to other members.
	Event map[string]any
	// Changed is false for updates of records that do not exist.
	Changed bool
}

// Validate checks payload against the schema rules for op.
func Validate(s schema.Schema, op schema.Op, payload map[string]any) error {
	if !s.Supports(op) {
		return xerrors.Errorf("%s on %s: %w", op, s.Name, ErrUnsupportedOp)
	}
	switch op {
	case schema.OpAdd, schema.OpUpdate:
		for _, f := range s.Required {
			if v, ok := payload[f]; !ok || v == nil {
				return &ValidationError{Field: f}
			}
		}
		if _, ok := KeyOf(payload[s.Key]); !ok {
			return &ValidationError{Field: s.Key}
		}
	case schema.OpRemove:
		if _, ok := KeyOf(payload[s.Key]); !ok {
			return &ValidationError{Field: s.Key}
		}
	case schema.OpReorder:
		ids, ok := keyList(payload[schema.ReorderField])
		if !ok || len(ids) == 0 {
			return &ValidationError{Field: schema.ReorderField, Reason: "must be a non-empty list of identities"}
		}
	default:
		return xerrors.Errorf("%q: %w", op, ErrUnsupportedOp)
	}
	return nil
}

// Apply validates payload and returns the collection after op. On error coll
// is returned untouched by the caller's choice: Apply itself never modifies it.
func Apply(s schema.Schema, coll Collection, op schema.Op, payload map[string]any) (Result, error) {
	if err := Validate(s, op, payload); err != nil {
		return Result{}, err
	}
	switch op {
	case schema.OpAdd:
		return add(s, coll, payload), nil
	case schema.OpUpdate:
		return update(s, coll, payload), nil
	case schema.OpRemove:
		return remove(s, coll, payload), nil
	default:
		return reorder(s, coll, payload), nil
	}
}

// add appends the record. A record whose identity already exists is replaced
// in place so replays of the same add converge.
func add(s schema.Schema, coll Collection, payload map[string]any) Result {
	rec := clone(payload)
	id, _ := identOf(rec[s.Key])

	out := make(Collection, len(coll), len(coll)+1)
	copy(out, coll)
	if idx := indexOf(coll, s.Key, id); idx >= 0 {
		if s.OrderSensitive() {
			rec[s.OrderField] = idx
		}
		out[idx] = rec
	} else {
		if s.OrderSensitive() {
			rec[s.OrderField] = len(coll)
		}
		out = append(out, rec)
	}
	return Result{Collection: out, Event: clone(rec), Changed: true}
}

func update(s schema.Schema, coll Collection, payload map[string]any) Result {
	fields := clone(payload)
	if s.OrderSensitive() {
		delete(fields, s.OrderField)
	}

	id, _ := identOf(payload[s.Key])
	idx := indexOf(coll, s.Key, id)
	if idx < 0 {
		return Result{Collection: coll, Event: fields}
	}

	merged := clone(coll[idx])
	for k, v := range fields {
		if k == s.Key {
			continue
		}
		merged[k] = v
	}
	out := make(Collection, len(coll))
	copy(out, coll)
	out[idx] = merged
	return Result{Collection: out, Event: fields, Changed: true}
}

func remove(s schema.Schema, coll Collection, payload map[string]any) Result {
	id, _ := identOf(payload[s.Key])
	out := make(Collection, 0, len(coll))
	changed := false
	for _, r := range coll {
		if k, _ := identOf(r[s.Key]); k == id {
			changed = true
			continue
		}
		out = append(out, r)
	}
	if s.OrderSensitive() {
		out = renumber(s.OrderField, out)
	}
	return Result{Collection: out, Event: map[string]any{s.Key: payload[s.Key]}, Changed: changed}
}

// reorder rebuilds the collection in the requested sequence. Identities that
// are not present are dropped without error. Present records missing from the
// request keep their relative order after the requested ones.
func reorder(s schema.Schema, coll Collection, payload map[string]any) Result {
	ids, _ := keyList(payload[schema.ReorderField])

	index := make(map[ident]int, len(coll))
	for i, r := range coll {
		if k, ok := identOf(r[s.Key]); ok {
			index[k] = i
		}
	}

	out := make(Collection, 0, len(coll))
	taken := make([]bool, len(coll))
	for _, id := range ids {
		i, ok := index[id]
		if !ok || taken[i] {
			continue
		}
		taken[i] = true
		out = append(out, coll[i])
	}
	for i, r := range coll {
		if !taken[i] {
			out = append(out, r)
		}
	}
	out = renumber(s.OrderField, out)

	order := make([]any, 0, len(out))
	for _, r := range out {
		order = append(order, r[s.Key])
	}
	return Result{Collection: out, Event: map[string]any{schema.ReorderField: order}, Changed: true}
}

// renumber sets order to the array position, copying only records whose
// order changes.
func renumber(field string, coll Collection) Collection {
	for i, r := range coll {
		if n, ok := intOf(r[field]); ok && n == i {
			if _, isInt := r[field].(int); isInt {
				continue
			}
		}
		rec := clone(r)
		rec[field] = i
		coll[i] = rec
	}
	return coll
}

func indexOf(coll Collection, key string, id ident) int {
	for i, r := range coll {
		if k, ok := identOf(r[key]); ok && k == id {
			return i
		}
	}
	return -1
}

func clone(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// KeyOf renders an identity value as a string. Identities decoded from JSON
// may be strings or numbers, and "1" and 1 render the same. Records are
// matched with the kind kept, so they are still different records.
func KeyOf(v any) (string, bool) {
	switch k := v.(type) {
	case string:
		return k, k != ""
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), true
	case int:
		return strconv.Itoa(k), true
	case int64:
		return strconv.FormatInt(k, 10), true
	case json.Number:
		return k.String(), true
	default:
		return "", false
	}
}

// ident is an identity with its JSON kind kept.
type ident struct {
	key string
	num bool
}

func identOf(v any) (ident, bool) {
	k, ok := KeyOf(v)
	_, str := v.(string)
	return ident{key: k, num: !str}, ok
}

func keyList(v any) ([]ident, bool) {
	switch l := v.(type) {
	case []string:
		out := make([]ident, 0, len(l))
		for _, k := range l {
			out = append(out, ident{key: k})
		}
		return out, true
	case []any:
		out := make([]ident, 0, len(l))
		for _, e := range l {
			k, ok := identOf(e)
			if !ok {
				return nil, false
			}
			out = append(out, k)
		}
		return out, true
	default:
		return nil, false
	}
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
