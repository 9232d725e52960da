package crud_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func goals(t *testing.T) schema.Schema {
	t.Helper()
	s, ok := schema.Default().Get("goals")
	require.True(t, ok)
	return s
}

func mustApply(t *testing.T, s schema.Schema, coll crud.Collection, op schema.Op, payload map[string]any) crud.Collection {
	t.Helper()
	res, err := crud.Apply(s, coll, op, payload)
	require.NoError(t, err)
	return res.Collection
}

func ids(s schema.Schema, coll crud.Collection) []string {
	out := make([]string, 0, len(coll))
	for _, r := range coll {
		k, _ := crud.KeyOf(r[s.Key])
		out = append(out, k)
	}
	return out
}

func requireContiguous(t *testing.T, s schema.Schema, coll crud.Collection) {
	t.Helper()
	for i, r := range coll {
		require.Equal(t, i, r[s.OrderField], "record %d: %v", i, r)
	}
}

func TestValidationRejectsMissingFields(t *testing.T) {
	t.Parallel()

	reg := schema.Default()
	for _, name := range reg.Names() {
		s, _ := reg.Get(name)
		base := crud.Collection{}
		full := map[string]any{}
		for _, f := range s.Required {
			full[f] = "v-" + f
		}
		base = mustApply(t, s, base, schema.OpAdd, full)
		snapshot := fmt.Sprint(base)

		for _, op := range []schema.Op{schema.OpAdd, schema.OpUpdate} {
			for _, missing := range s.Required {
				payload := map[string]any{}
				for k, v := range full {
					if k != missing {
						payload[k] = v
					}
				}
				_, err := crud.Apply(s, base, op, payload)
				var verr *crud.ValidationError
				require.True(t, xerrors.As(err, &verr), "%s %s without %s", name, op, missing)
				assert.Equal(t, missing, verr.Field)
				assert.ErrorIs(t, err, crud.ErrInvalidPayload)
			}
		}

		_, err := crud.Apply(s, base, schema.OpRemove, map[string]any{})
		require.Error(t, err, "%s remove without key", name)

		if s.Supports(schema.OpReorder) {
			_, err = crud.Apply(s, base, schema.OpReorder, map[string]any{"order": []any{}})
			require.Error(t, err, "%s reorder with empty list", name)
			_, err = crud.Apply(s, base, schema.OpReorder, map[string]any{"order": "g1"})
			require.Error(t, err, "%s reorder with non-list", name)
		} else {
			_, err = crud.Apply(s, base, schema.OpReorder, map[string]any{"order": []any{"x"}})
			require.ErrorIs(t, err, crud.ErrUnsupportedOp)
		}

		assert.Equal(t, snapshot, fmt.Sprint(base), "%s state changed after rejected ops", name)
	}
}

func TestAddAssignsOrder(t *testing.T) {
	t.Parallel()

	s := goals(t)
	res, err := crud.Apply(s, nil, schema.OpAdd, map[string]any{"id": "g1", "text": "Ship v1"})
	require.NoError(t, err)
	require.Len(t, res.Collection, 1)
	assert.Equal(t, 0, res.Collection[0]["order"])
	assert.Equal(t, "g1", res.Event["id"])
	assert.Equal(t, 0, res.Event["order"])

	coll := mustApply(t, s, res.Collection, schema.OpAdd, map[string]any{"id": "g2", "text": "Ship v2"})
	assert.Equal(t, 1, coll[1]["order"])
}

func TestAddExistingIdentityReplaces(t *testing.T) {
	t.Parallel()

	s := goals(t)
	coll := mustApply(t, s, nil, schema.OpAdd, map[string]any{"id": "g1", "text": "a"})
	coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": "g2", "text": "b"})
	coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": "g1", "text": "a2"})

	require.Len(t, coll, 2)
	assert.Equal(t, "a2", coll[0]["text"])
	requireContiguous(t, s, coll)
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	s := goals(t)
	coll := mustApply(t, s, nil, schema.OpAdd, map[string]any{"id": "g1", "text": "a", "done": false})
	coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": "g2", "text": "b"})

	res, err := crud.Apply(s, coll, schema.OpUpdate, map[string]any{"id": "g1", "text": "a!", "done": true, "order": 7})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "a!", res.Collection[0]["text"])
	assert.Equal(t, true, res.Collection[0]["done"])
	assert.Equal(t, 0, res.Collection[0]["order"], "order is owned by the processor")
	assert.NotContains(t, res.Event, "order")

	res, err = crud.Apply(s, coll, schema.OpUpdate, map[string]any{"id": "nope", "text": "x"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, coll, res.Collection)
}

func TestRemoveRenumbers(t *testing.T) {
	t.Parallel()

	s := goals(t)
	var coll crud.Collection
	for i := range 4 {
		coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": fmt.Sprintf("g%d", i), "text": "t"})
	}
	coll = mustApply(t, s, coll, schema.OpRemove, map[string]any{"id": "g1"})
	assert.Equal(t, []string{"g0", "g2", "g3"}, ids(s, coll))
	requireContiguous(t, s, coll)
}

func TestReorderDropsUnknownIdentities(t *testing.T) {
	t.Parallel()

	s := goals(t)
	coll := mustApply(t, s, nil, schema.OpAdd, map[string]any{"id": "g1", "text": "a"})
	coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": "g2", "text": "b"})

	res, err := crud.Apply(s, coll, schema.OpReorder, map[string]any{"order": []any{"g2", "g1", "gX"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"g2", "g1"}, ids(s, res.Collection))
	requireContiguous(t, s, res.Collection)
	assert.Equal(t, []any{"g2", "g1"}, res.Event["order"])
}

func TestReorderKeepsUnlistedRecords(t *testing.T) {
	t.Parallel()

	s := goals(t)
	var coll crud.Collection
	for _, id := range []string{"a", "b", "c", "d"} {
		coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": id, "text": id})
	}
	coll = mustApply(t, s, coll, schema.OpReorder, map[string]any{"order": []string{"c", "a", "c"}})
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(s, coll))
	requireContiguous(t, s, coll)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	s := goals(t)
	coll := mustApply(t, s, nil, schema.OpAdd, map[string]any{"id": "g1", "text": "a"})
	coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": "g2", "text": "b"})
	before := fmt.Sprint(coll)

	mustApply(t, s, coll, schema.OpUpdate, map[string]any{"id": "g1", "text": "changed"})
	mustApply(t, s, coll, schema.OpRemove, map[string]any{"id": "g1"})
	mustApply(t, s, coll, schema.OpReorder, map[string]any{"order": []any{"g2", "g1"}})

	assert.Equal(t, before, fmt.Sprint(coll))
}

func TestOrderStaysContiguous(t *testing.T) {
	t.Parallel()

	s := goals(t)
	rng := rand.New(rand.NewPCG(1, 2))
	var coll crud.Collection
	next := 0

	for step := range 2000 {
		switch rng.IntN(3) {
		case 0:
			coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": fmt.Sprintf("g%d", next), "text": "t"})
			next++
		case 1:
			id := fmt.Sprintf("g%d", rng.IntN(next+1))
			coll = mustApply(t, s, coll, schema.OpRemove, map[string]any{"id": id})
		case 2:
			order := make([]any, 0, len(coll)+1)
			for _, i := range rng.Perm(len(coll)) {
				order = append(order, coll[i]["id"])
			}
			order = append(order, "ghost")
			coll = mustApply(t, s, coll, schema.OpReorder, map[string]any{"order": order})
		}

		seen := make(map[int]bool, len(coll))
		for i, r := range coll {
			n, ok := r["order"].(int)
			require.True(t, ok, "step %d: order not an int", step)
			require.Equal(t, i, n, "step %d", step)
			require.False(t, seen[n], "step %d: duplicate order", step)
			seen[n] = true
		}
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	reg := schema.Default()
	st := crud.State{
		"goals": {
			{"id": "g1", "text": "a", "order": float64(0)},
			{"id": "g2", "text": "b", "order": float64(5)},
		},
		"bogus": {{"id": "x"}},
	}
	out := crud.Normalize(reg, st)

	assert.Len(t, out, len(reg.Names()))
	assert.NotContains(t, out, "bogus")
	assert.Equal(t, 0, out["goals"][0]["order"])
	assert.Equal(t, 1, out["goals"][1]["order"])
	assert.Empty(t, out["agents"])
	assert.Equal(t, float64(5), st["goals"][1]["order"], "input untouched")
}

func TestApplyEvent(t *testing.T) {
	t.Parallel()

	reg := schema.Default()
	st := crud.EmptyState(reg)

	next, s, res, err := crud.ApplyEvent(reg, st, "add-goal", map[string]any{"id": "g1", "text": "Ship v1"})
	require.NoError(t, err)
	assert.Equal(t, "goals", s.Name)
	assert.Equal(t, 0, res.Event["order"])
	assert.Len(t, next["goals"], 1)
	assert.Empty(t, st["goals"])

	_, _, _, err = crud.ApplyEvent(reg, st, "launch-rocket", nil)
	assert.ErrorIs(t, err, crud.ErrUnknownEntity)
}

func TestIdentityKindIsKept(t *testing.T) {
	t.Parallel()
	s := goals(t)

	var coll crud.Collection
	coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": "1", "text": "string"})
	coll = mustApply(t, s, coll, schema.OpAdd, map[string]any{"id": float64(1), "text": "number"})
	require.Len(t, coll, 2)

	// Numbers match across the forms JSON and Go code produce.
	coll = mustApply(t, s, coll, schema.OpUpdate, map[string]any{"id": 1, "text": "number!"})
	assert.Equal(t, "string", coll[0]["text"])
	assert.Equal(t, "number!", coll[1]["text"])

	coll = mustApply(t, s, coll, schema.OpReorder, map[string]any{"order": []any{float64(1), "1"}})
	assert.Equal(t, "number!", coll[0]["text"])
	requireContiguous(t, s, coll)

	coll = mustApply(t, s, coll, schema.OpRemove, map[string]any{"id": "1"})
	require.Len(t, coll, 1)
	assert.Equal(t, "number!", coll[0]["text"])
}
