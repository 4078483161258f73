// Package api is the recipe dispatcher: one middleware handling the
// /<prefix><recipe>[/opts...] URL scheme, where prefix $ is data, @ is
// actions and ! is info.
package api

import (
	"strconv"
	"strings"

	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/store"
	"github.com/crofthost/croft/internal/ware"
)

// Pattern is the route the dispatcher binds to: prefix+recipe in one
// segment, opts in the splat.
const Pattern = `/:handle([$@!][A-Za-z0-9_.-]*)/*`

// Ware dispatches one store's recipe surface.
type Ware struct {
	scope *ware.Scope
	db    *store.Store
}

func New(scope *ware.Scope, db *store.Store) *Ware {
	return &Ware{scope: scope, db: db}
}

// Handle is the middleware entry point.
func (w *Ware) Handle(c *pipeline.Context) error {
	handle := c.Param("handle")
	if len(handle) < 2 {
		return pipeline.NotFound("")
	}
	recipe := handle[1:]
	var opts []string
	if splat := c.Param("splat"); splat != "" {
		opts = strings.Split(splat, "/")
	}

	switch handle[0] {
	case '$':
		return w.data(c, recipe, opts)
	case '@':
		return w.action(c, recipe, opts)
	case '!':
		return w.info(c, recipe, opts)
	}
	return pipeline.NotFound("")
}

// authorized checks a recipe's auth list against the caller. An empty
// list means open.
func authorized(c *pipeline.Context, groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	return c.Authorize(groups...)
}

// bindings builds the substitution set for a query: every query-string
// key binds by name, positional opts bind as $1..$n.
func bindings(c *pipeline.Context, opts []string) store.Bindings {
	b := store.Bindings{}
	for key, vals := range c.URL.Query {
		if len(vals) > 0 {
			b[key] = vals[0]
		}
	}
	for i, opt := range opts {
		b[strconv.Itoa(i+1)] = opt
	}
	return b
}

// data runs a query or a modify through a named recipe, with the
// recipe's filter applied in both directions.
func (w *Ware) data(c *pipeline.Context, name string, opts []string) error {
	if w.db == nil {
		return pipeline.NotImplemented("no database bound")
	}
	recipe := w.db.Lookup(name)
	if recipe == nil {
		return pipeline.NotFound("no such recipe")
	}
	if !authorized(c, recipe.Auth) {
		return pipeline.Unauthorized("")
	}

	switch c.Method {
	case "get", "head":
		result := w.db.QueryRecipe(recipe, bindings(c, opts))
		c.Payload = store.ApplyFilter(result, recipe.Filter)
		return nil
	case "post":
		entries, err := bodyEntries(c, recipe.Filter)
		if err != nil {
			return err
		}
		ops, err := w.db.ModifyRecipe(recipe, entries)
		if err != nil {
			return pipeline.BadRequest(err.Error())
		}
		c.Payload = ops
		return nil
	}
	return pipeline.MethodNotAllowed("")
}

// bodyEntries decodes the JSON body into modify entries, filtering each
// record through the recipe's allowlist.
func bodyEntries(c *pipeline.Context, filter map[string]any) ([]store.Entry, error) {
	if c.Body == nil || c.Body.Kind != "json" {
		return nil, pipeline.BadRequest("JSON body required")
	}
	list, ok := c.Body.Data.([]any)
	if !ok {
		return nil, pipeline.BadRequest("body must be a list of {ref, record}")
	}
	entries := make([]store.Entry, 0, len(list))
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, pipeline.BadRequest("body must be a list of {ref, record}")
		}
		record := m["record"]
		if record != nil {
			record = store.ApplyFilter(record, filter)
		}
		entries = append(entries, store.Entry{Ref: m["ref"], Record: record})
	}
	return entries, nil
}
