package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Entry is one unit of work for Modify: a ref locating an existing
// record, a replacement record, or both. Both nil is a client error.
type Entry struct {
	Ref    any `json:"ref"`
	Record any `json:"record"`
}

// Op kinds reported per entry, in input order.
const (
	OpAdd    = "add"
	OpChange = "change"
	OpDelete = "delete"
	OpNop    = "nop"
	OpBad    = "bad"
)

// Op is the outcome of one Modify entry. It serializes as the compact
// [op, ref, idx] triple.
type Op struct {
	Kind  string
	Ref   any
	Index any
}

func (o Op) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{o.Kind, o.Ref, o.Index})
}

// Modify applies entries to the recipe's collection under the exclusive
// writer lock. Updates merge defaults ⊕ existing ⊕ incoming with right
// wins at every level; inserts assign the unique key; deletes remove in
// place. The store is marked dirty once per call.
func (s *Store) Modify(name string, entries []Entry) ([]Op, error) {
	recipe := s.Lookup(name)
	if recipe == nil {
		return nil, fmt.Errorf("no such recipe %q", name)
	}
	return s.ModifyRecipe(recipe, entries)
}

// ModifyRecipe is Modify for an already-resolved recipe.
func (s *Store) ModifyRecipe(recipe *Recipe, entries []Entry) ([]Op, error) {
	if recipe.Collection == "" {
		return nil, fmt.Errorf("recipe %q has no collection", recipe.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.ReadOnly {
		return nil, fmt.Errorf("store %s is read-only", s.path)
	}

	raw := s.raw
	if !gjson.GetBytes(raw, recipe.Collection).IsArray() {
		var err error
		raw, err = sjson.SetRawBytes(raw, recipe.Collection, []byte("[]"))
		if err != nil {
			return nil, fmt.Errorf("create collection %q: %w", recipe.Collection, err)
		}
	}

	ops := make([]Op, 0, len(entries))
	changed := false
	for _, entry := range entries {
		op, next, err := s.applyEntry(raw, recipe, entry)
		if err != nil {
			return nil, err
		}
		if next != nil {
			raw = next
			changed = true
		}
		ops = append(ops, op)
	}

	if changed {
		s.raw = raw
		s.markDirty()
	}
	return ops, nil
}

// applyEntry handles one entry and returns the op plus the updated
// document, or nil when nothing changed.
func (s *Store) applyEntry(raw []byte, recipe *Recipe, entry Entry) (Op, []byte, error) {
	if entry.Ref == nil && entry.Record == nil {
		return Op{Kind: OpBad}, nil, nil
	}

	coll := gjson.GetBytes(raw, recipe.Collection)
	idx := -1
	var existing any
	if entry.Ref != nil {
		i, rec, err := findByReference(coll, recipe.Reference, entry.Ref)
		if err != nil {
			return Op{}, nil, err
		}
		idx, existing = i, rec
	}

	// Delete.
	if entry.Record == nil {
		if idx < 0 {
			return Op{Kind: OpNop, Ref: entry.Ref}, nil, nil
		}
		next, err := sjson.DeleteBytes(raw, fmt.Sprintf("%s.%d", recipe.Collection, idx))
		if err != nil {
			return Op{}, nil, err
		}
		return Op{Kind: OpDelete, Ref: entry.Ref, Index: idx}, next, nil
	}

	// Insert or update: defaults ⊕ existing ⊕ incoming.
	record := Merge(Merge(DeepCopy(recipe.Defaults), existing), entry.Record)

	if idx >= 0 {
		encoded, err := json.Marshal(record)
		if err != nil {
			return Op{}, nil, err
		}
		next, err := sjson.SetRawBytes(raw, fmt.Sprintf("%s.%d", recipe.Collection, idx), encoded)
		if err != nil {
			return Op{}, nil, err
		}
		return Op{Kind: OpChange, Ref: entry.Ref, Index: idx}, next, nil
	}

	var uniqueValue any
	if recipe.Unique != nil && recipe.Unique.Key != "" {
		v, err := s.uniqueValue(raw, recipe, coll)
		if err != nil {
			return Op{}, nil, err
		}
		uniqueValue = v
		m, ok := record.(map[string]any)
		if !ok {
			return Op{}, nil, fmt.Errorf("recipe %q: unique key on non-object record", recipe.Name)
		}
		m[recipe.Unique.Key] = uniqueValue
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return Op{}, nil, err
	}
	next, err := sjson.SetRawBytes(raw, recipe.Collection+".-1", encoded)
	if err != nil {
		return Op{}, nil, err
	}
	newIndex := int(coll.Get("#").Int())
	return Op{Kind: OpAdd, Ref: uniqueValue, Index: newIndex}, next, nil
}

// uniqueValue produces the value for the unique key of an insert. With
// an expression it is evaluated against the store; otherwise a random
// short id is generated. An existing record already carrying the value
// fails the insert rather than guessing.
func (s *Store) uniqueValue(raw []byte, recipe *Recipe, coll gjson.Result) (any, error) {
	var value any
	if recipe.Unique.Expr != "" {
		res := gjson.GetBytes(raw, recipe.Unique.Expr)
		if !res.Exists() {
			return nil, fmt.Errorf("recipe %q: unique expression %q yields nothing",
				recipe.Name, recipe.Unique.Expr)
		}
		value = res.Value()
	} else {
		value = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	lit, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	probe := fmt.Sprintf(`#(%s==%s)`, recipe.Unique.Key, lit)
	if gjson.Get(coll.Raw, probe).Exists() {
		return nil, fmt.Errorf("recipe %q: unique %s=%v already present",
			recipe.Name, recipe.Unique.Key, value)
	}
	return value, nil
}

// findByReference locates an entry inside a collection using the
// recipe's reference query with $ref bound. The query runs per element
// so the array index is known; gjson does the predicate work.
func findByReference(coll gjson.Result, reference string, ref any) (int, any, error) {
	if reference == "" {
		return -1, nil, fmt.Errorf("recipe has no reference expression")
	}
	bound, err := bindExpression(reference, Bindings{"ref": ref})
	if err != nil {
		return -1, nil, err
	}
	if !strings.HasPrefix(bound, "#(") {
		return -1, nil, fmt.Errorf("reference %q: expected an array query #(...)", reference)
	}
	idx := -1
	var record any
	coll.ForEach(func(i, el gjson.Result) bool {
		if gjson.Get("["+el.Raw+"]", bound).Exists() {
			idx = int(i.Int())
			var decoded any
			if err := json.Unmarshal([]byte(el.Raw), &decoded); err == nil {
				record = decoded
			}
			return false
		}
		return true
	})
	return idx, record, nil
}
