package site

import (
	"fmt"
	"sync"

	"github.com/crofthost/croft/internal/config"
	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/ware"
	"github.com/crofthost/croft/internal/ware/api"
)

// Factory builds a middleware for one handler config and returns it
// with the pattern used when the config names none.
type Factory func(scope *ware.Scope, h config.Handler) (pipeline.Middleware, string, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs a handler code. The built-in codes are "content"
// and "api"; extensions register before sites are constructed.
func Register(code string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[code] = f
}

func build(scope *ware.Scope, h config.Handler) (pipeline.Middleware, string, error) {
	factoryMu.RLock()
	f, ok := factories[h.Code]
	factoryMu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("unknown handler code %q", h.Code)
	}
	return f(scope, h)
}

func init() {
	Register("content", func(scope *ware.Scope, h config.Handler) (pipeline.Middleware, string, error) {
		if h.Root == "" {
			return nil, "", fmt.Errorf("content handler requires a root")
		}
		mw := ware.Content(scope, ware.ContentOptions{
			Root:         h.Root,
			Auth:         h.Auth,
			CacheControl: h.Cache,
			Compress:     h.Compress,
			Index:        h.Index,
			Indexing:     h.Indexing,
		})
		return mw, "*", nil
	})

	Register("api", func(scope *ware.Scope, h config.Handler) (pipeline.Middleware, string, error) {
		db := scope.DB(h.Database)
		if db == nil {
			db = scope.Users
		}
		if db == nil {
			return nil, "", fmt.Errorf("api handler: no database %q", h.Database)
		}
		return api.New(scope, db).Handle, api.Pattern, nil
	})
}
