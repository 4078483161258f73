// Package site assembles one hosted backend: it merges shared and
// per-site resources into a scope, builds the route table in the fixed
// order and runs the HTTP listener the proxy forwards to.
package site

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/bodyparse"
	"github.com/crofthost/croft/internal/cache"
	"github.com/crofthost/croft/internal/config"
	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/pkg/mail"
	"github.com/crofthost/croft/internal/pkg/sms"
	"github.com/crofthost/croft/internal/pkg/token"
	"github.com/crofthost/croft/internal/stats"
	"github.com/crofthost/croft/internal/store"
	"github.com/crofthost/croft/internal/ware"
)

// Shared is the process-wide context every site builds on: the opened
// shared databases, default headers, body limits and the collaborator
// services.
type Shared struct {
	Log     *zap.Logger
	Headers map[string]string
	Limits  bodyparse.Limits
	Tokens  *token.Service
	Mail    *mail.Sender
	SMS     *sms.Sender
	Stats   *stats.Registry

	Stores map[string]*store.Store // shared databases by name

	mu     sync.Mutex
	byPath map[string]*store.Store
}

// Open returns the store backing a file path, opening it once per
// process so sites naming the same file share one writer.
func (s *Shared) Open(path string) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byPath == nil {
		s.byPath = map[string]*store.Store{}
	}
	if st, ok := s.byPath[path]; ok {
		return st, nil
	}
	st, err := store.Open(path, s.Log)
	if err != nil {
		return nil, err
	}
	s.byPath[path] = st
	return st, nil
}

// CloseStores flushes and closes every store opened through Open.
func (s *Shared) CloseStores() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.byPath {
		st.Close()
	}
	s.byPath = nil
}

// App is one running site.
type App struct {
	Name  string
	cfg   config.Site
	scope *ware.Scope
	pipe  *pipeline.Pipeline
	log   *zap.Logger
}

// New builds a site from its config and the shared context. Databases
// and headers merge site-over-shared; failure to open a site database
// is fatal to this site only.
func New(cfg config.Site, shared *Shared) (*App, error) {
	log := shared.Log.With(zap.String("site", cfg.Name))

	stores := make(map[string]*store.Store, len(shared.Stores)+len(cfg.Databases))
	for name, st := range shared.Stores {
		stores[name] = st
	}
	for name, path := range cfg.Databases {
		st, err := shared.Open(path)
		if err != nil {
			return nil, fmt.Errorf("site %s: database %q: %w", cfg.Name, name, err)
		}
		stores[name] = st
	}

	headers := make(map[string]string, len(shared.Headers)+len(cfg.Headers))
	for k, v := range shared.Headers {
		headers[k] = v
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	scope := &ware.Scope{
		Site:   cfg.Name,
		Log:    log,
		Stores: stores,
		Users:  stores[cfg.Users],
		Tokens: shared.Tokens,
		Mail:   shared.Mail,
		SMS:    shared.SMS,
		Stats:  shared.Stats,
		Cache: cache.New(cache.Options{
			Max:   cfg.CacheMax,
			Limit: cfg.CacheCap,
		}),
	}

	opts := pipeline.Options{
		Name:    cfg.Name,
		Log:     log,
		Limits:  shared.Limits,
		Headers: headers,
	}
	if cfg.Auth {
		opts.Auth = ware.NewAuthenticator(scope)
	}
	var err error
	if opts.Rewrites, err = compileRewrites(cfg.Rewrites); err != nil {
		return nil, fmt.Errorf("site %s: %w", cfg.Name, err)
	}
	if cfg.Redirect != nil {
		re, err := regexp.Compile(cfg.Redirect.Pattern)
		if err != nil {
			return nil, fmt.Errorf("site %s: redirect: %w", cfg.Name, err)
		}
		opts.Redirect = &pipeline.Redirect{Pattern: re, Replace: cfg.Redirect.Replace}
	}

	app := &App{Name: cfg.Name, cfg: cfg, scope: scope, pipe: pipeline.New(opts), log: log}
	if err := app.buildRoutes(); err != nil {
		return nil, fmt.Errorf("site %s: %w", cfg.Name, err)
	}
	return app, nil
}

func compileRewrites(rules []config.Rewrite) ([]pipeline.Rewrite, error) {
	out := make([]pipeline.Rewrite, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rewrite %q: %w", r.Pattern, err)
		}
		out = append(out, pipeline.Rewrite{Pattern: re, Replace: r.Replace})
	}
	return out, nil
}

// buildRoutes lays the table in the fixed order: analytics, cors, the
// account and login routes when auth is on, the configured handlers,
// and finally open content when a root is set.
func (a *App) buildRoutes() error {
	a.pipe.MustHandle("any", "*", ware.Analytics(a.scope))
	if a.cfg.CORS != nil {
		a.pipe.MustHandle("any", "*", ware.CORS(*a.cfg.CORS))
	}
	if a.cfg.Auth {
		a.pipe.MustHandle("any", ware.AccountPattern, ware.Account(a.scope))
		a.pipe.MustHandle("get", "/login", ware.Login(a.scope))
		a.pipe.MustHandle("get", "/logout", ware.Logout())
	}
	for _, h := range a.cfg.Handlers {
		mw, pattern, err := build(a.scope, h)
		if err != nil {
			return err
		}
		if h.Pattern != "" {
			pattern = h.Pattern
		}
		method := h.Method
		if method == "" {
			method = "any"
		}
		if err := a.pipe.Handle(method, pattern, mw); err != nil {
			return err
		}
	}
	if a.cfg.Root != "" {
		a.pipe.MustHandle("any", "*", ware.Content(a.scope, ware.ContentOptions{
			Root: a.cfg.Root,
		}))
	}
	return nil
}

// Hosts lists the hostnames the proxy routes to this site.
func (a *App) Hosts() []string {
	return append([]string{a.cfg.Host}, a.cfg.Aliases...)
}

// Port returns the backend listener port.
func (a *App) Port() int { return a.cfg.Port }

// Handler exposes the site's pipeline.
func (a *App) Handler() http.Handler { return a.pipe }

// Serve runs the backend listener until the context is cancelled, then
// shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           a.pipe,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("site listening", zap.Int("port", a.cfg.Port), zap.String("host", a.cfg.Host))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
