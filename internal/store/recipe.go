package store

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Recipe is a named, declarative spec for one query or mutation. Recipes
// live in the reserved "recipes" collection of the same store they act on.
type Recipe struct {
	Name string `json:"name"`
	// Auth lists group names allowed to run the recipe; empty means open.
	Auth []string `json:"auth,omitempty"`
	// Expression is a query path evaluated against the whole store, with
	// $name placeholders substituted from bindings.
	Expression string `json:"expression,omitempty"`
	// Collection names the target collection for Modify.
	Collection string `json:"collection,omitempty"`
	// Reference is an array query of the form #(field==$ref) locating the
	// record addressed by a bound ref inside Collection.
	Reference string `json:"reference,omitempty"`
	// Unique assigns a primary key on insert.
	Unique *Unique `json:"unique,omitempty"`
	// Defaults is the base record merged under inserts and updates, and
	// the fallback result when a query yields nothing.
	Defaults any `json:"defaults,omitempty"`
	// Filter is an allowlist tree constraining which fields pass through.
	Filter map[string]any `json:"filter,omitempty"`
	// Limit slices query results: positive = head, negative = tail.
	Limit int `json:"limit,omitempty"`
	// Header is prepended to array query results.
	Header any `json:"header,omitempty"`
}

// Unique names the primary key assigned on insert. When Expr is empty
// the store generates a random short id; otherwise Expr is evaluated
// against the store and its result used verbatim. A value already
// present in the collection fails the insert.
type Unique struct {
	Key  string `json:"key"`
	Expr string `json:"expr,omitempty"`
}

// Lookup finds a recipe by name, or nil.
func (s *Store) Lookup(name string) *Recipe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(name)
}

func (s *Store) lookupLocked(name string) *Recipe {
	for _, raw := range gjson.GetBytes(s.raw, "recipes").Array() {
		if raw.Get("name").String() != name {
			continue
		}
		var r Recipe
		if err := json.Unmarshal([]byte(raw.Raw), &r); err != nil {
			return nil
		}
		return &r
	}
	return nil
}

// ApplyFilter projects data through an allowlist tree. A nil filter
// passes everything; arrays are filtered element-wise; a truthy leaf
// keeps the field, a subtree recurses.
func ApplyFilter(data any, filter map[string]any) any {
	if filter == nil || data == nil {
		return data
	}
	switch v := data.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, el := range v {
			out = append(out, ApplyFilter(el, filter))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(filter))
		for key, rule := range filter {
			val, ok := v[key]
			if !ok {
				continue
			}
			switch sub := rule.(type) {
			case map[string]any:
				out[key] = ApplyFilter(val, sub)
			case bool:
				if sub {
					out[key] = val
				}
			default:
				out[key] = val
			}
		}
		return out
	default:
		return data
	}
}
