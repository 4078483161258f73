// Package pipeline is the per-site request engine: it builds the
// context, parses the body, authenticates, walks the route table in
// insertion order and funnels every outcome into a serialized response.
package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/bodyparse"
)

// AuthProvider resolves credentials into a user's public profile. The
// returned map must never contain a credentials field.
type AuthProvider interface {
	Basic(c *Context, username, password string) (map[string]any, error)
	Bearer(c *Context, token string) (map[string]any, error)
}

// Rewrite is one URL rewrite rule applied after body parse.
type Rewrite struct {
	Pattern *regexp.Regexp
	Replace string
}

// Redirect rewrites 404s into 301s at the funnel.
type Redirect struct {
	Pattern *regexp.Regexp
	Replace string
}

// Options assembles a Pipeline.
type Options struct {
	Name     string // site name, for logs
	Log      *zap.Logger
	Auth     AuthProvider
	Limits   bodyparse.Limits
	Rewrites []Rewrite
	Redirect *Redirect
	Headers  map[string]string // default response headers
}

// Pipeline executes a fixed route table for one site.
type Pipeline struct {
	name     string
	log      *zap.Logger
	auth     AuthProvider
	limits   bodyparse.Limits
	rewrites []Rewrite
	redirect *Redirect
	headers  map[string]string
	routes   []*Route
}

func New(opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		name:     opts.Name,
		log:      log,
		auth:     opts.Auth,
		limits:   opts.Limits,
		rewrites: opts.Rewrites,
		redirect: opts.Redirect,
		headers:  opts.Headers,
	}
}

// Handle appends a route; tables are fixed before serving starts.
func (p *Pipeline) Handle(method, pattern string, h Middleware) error {
	m, err := CompilePattern(pattern)
	if err != nil {
		return err
	}
	p.routes = append(p.routes, &Route{
		Method:  strings.ToLower(method),
		Pattern: pattern,
		matcher: m,
		Handler: h,
	})
	return nil
}

// MustHandle is Handle for statically known patterns.
func (p *Pipeline) MustHandle(method, pattern string, h Middleware) {
	if err := p.Handle(method, pattern, h); err != nil {
		panic(err)
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cw := &countingWriter{ResponseWriter: w}

	urlParts, debug := parseURL(r, "")
	c := &Context{
		W:           cw,
		R:           r,
		ID:          uuid.NewString(),
		Method:      strings.ToLower(r.Method),
		URL:         urlParts,
		Debug:       debug,
		Remote:      parseRemote(r),
		ContentType: r.Header.Get("Content-Type"),
		AuthKind:    AuthNone,
		Authorize:   func(...string) bool { return false },
		Header:      http.Header{},
		State:       map[string]any{},
		pipe:        p,
	}
	for k, v := range p.headers {
		c.Header.Set(k, v)
	}

	err := p.run(c)
	if c.Body != nil {
		defer c.Body.Cleanup()
	}
	if err != nil {
		p.fail(c, err)
	} else if err := p.serialize(c); err != nil {
		p.fail(c, err)
	}

	p.log.Info("request",
		zap.String("site", p.name),
		zap.String("id", c.ID),
		zap.String("method", r.Method),
		zap.String("path", c.URL.Pathname),
		zap.Int("status", cw.Status()),
		zap.Int64("bytes", cw.bytes),
		zap.Duration("latency", time.Since(start)),
		zap.String("ip", c.Remote.IP),
	)
}

// run walks the request through body parse, rewrite, authentication
// and the route table.
func (p *Pipeline) run(c *Context) error {
	if hasBody(c.R) {
		body, err := bodyparse.Parse(c.R, p.limits)
		if err != nil {
			return err
		}
		c.Body = body
	}

	p.applyRewrites(c)

	if err := p.authenticate(c); err != nil {
		return err
	}

	return p.dispatch(c)
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.ContentLength != 0
	}
	return false
}

// applyRewrites runs the configured rules in order; a changed URL
// replaces the parsed pieces and is logged.
func (p *Pipeline) applyRewrites(c *Context) {
	if len(p.rewrites) == 0 {
		return
	}
	path := c.URL.Pathname
	for _, rw := range p.rewrites {
		path = rw.Pattern.ReplaceAllString(path, rw.Replace)
	}
	if path != c.URL.Pathname {
		p.log.Info("url rewritten",
			zap.String("site", p.name),
			zap.String("from", c.URL.Pathname),
			zap.String("to", path),
		)
		c.URL.Pathname = path
	}
}

// authenticate recognizes Basic and Bearer credentials. Absence of an
// Authorization header is not an error; the request continues
// unauthenticated.
func (p *Pipeline) authenticate(c *Context) error {
	header := strings.TrimSpace(c.R.Header.Get("Authorization"))
	if header == "" || p.auth == nil {
		return nil
	}
	kind, rest, _ := strings.Cut(header, " ")
	rest = strings.TrimSpace(rest)

	var (
		profile map[string]any
		err     error
	)
	switch strings.ToLower(kind) {
	case "basic":
		raw, decErr := base64.StdEncoding.DecodeString(rest)
		if decErr != nil {
			return BadRequest("malformed Basic credentials")
		}
		username, password, ok := strings.Cut(string(raw), ":")
		if !ok {
			return BadRequest("malformed Basic credentials")
		}
		profile, err = p.auth.Basic(c, username, password)
		c.AuthKind = AuthBasic
	case "bearer":
		profile, err = p.auth.Bearer(c, rest)
		c.AuthKind = AuthBearer
	default:
		return BadRequest("unsupported authorization scheme")
	}
	if err != nil {
		return err
	}

	delete(profile, "credentials")
	c.User = profile
	groups := c.Groups()
	c.Authorize = func(allowed ...string) bool {
		for _, g := range groups {
			if g == "admin" {
				return true
			}
			for _, a := range allowed {
				if g == a {
					return true
				}
			}
		}
		return false
	}
	return nil
}

// dispatch scans the route table from the cursor; the first route whose
// verb and pattern accept the request runs. Middleware may re-enter via
// ctx.Next() to fall through. Exhaustion is 404.
func (p *Pipeline) dispatch(c *Context) error {
	for c.routeIdx < len(p.routes) {
		rt := p.routes[c.routeIdx]
		c.routeIdx++
		if !verbMatch(rt.Method, c.Method) {
			continue
		}
		params, ok := rt.matcher.Match(c.URL.Pathname)
		if !ok {
			continue
		}
		c.Route = rt
		c.Params = params
		return rt.Handler(c)
	}
	return NotFound("")
}

// serialize writes the chain's outcome: a typed response as-is, or the
// payload as JSON. HEAD sends headers and no body.
func (p *Pipeline) serialize(c *Context) error {
	head := c.Method == "head"
	w := c.W

	if resp := c.Response; resp != nil {
		mergeHeaders(w.Header(), c.Header)
		mergeHeaders(w.Header(), resp.Header)
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		if resp.Reader != nil {
			defer resp.Reader.Close()
			w.WriteHeader(status)
			if !head {
				if _, err := io.Copy(w, resp.Reader); err != nil {
					p.log.Warn("stream aborted", zap.String("id", c.ID), zap.Error(err))
				}
			}
			return nil
		}
		if bodyless(status) {
			w.WriteHeader(status)
			return nil
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
		w.WriteHeader(status)
		if !head && len(resp.Body) > 0 {
			_, _ = w.Write(resp.Body)
		}
		return nil
	}

	var data any = c.Payload
	if c.Debug {
		data = c.snapshot()
	}
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Internal(fmt.Errorf("serialize payload: %w", err))
	}
	mergeHeaders(w.Header(), c.Header)
	status := c.Status
	if status == 0 {
		status = http.StatusOK
	}
	if bodyless(status) {
		w.WriteHeader(status)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
	w.WriteHeader(status)
	if !head {
		_, _ = w.Write(encoded)
	}
	return nil
}

// bodyless reports statuses that forbid a message body; net/http drops
// the body for these, so Content-Length must not be set either.
func bodyless(status int) bool {
	return status == http.StatusNoContent || status == http.StatusNotModified
}

// fail is the error funnel: canonical envelope, optional 404 redirect,
// status-only for sub-400 codes, log-only when headers already went out.
func (p *Pipeline) fail(c *Context, err error) {
	e := funnelErr(err)
	cw, _ := c.W.(*countingWriter)

	if cw != nil && cw.wroteHeader {
		p.log.Error("error after headers sent",
			zap.String("site", p.name), zap.String("id", c.ID),
			zap.Int("code", e.Code), zap.String("msg", e.Msg))
		return
	}

	if e.Code == http.StatusNotFound && p.redirect != nil {
		if target := p.redirect.Pattern.ReplaceAllString(c.URL.Pathname, p.redirect.Replace); target != c.URL.Pathname {
			mergeHeaders(c.W.Header(), c.Header)
			c.W.Header().Set("Location", target)
			c.W.WriteHeader(http.StatusMovedPermanently)
			return
		}
	}

	if e.Code < http.StatusBadRequest {
		mergeHeaders(c.W.Header(), c.Header)
		c.W.WriteHeader(e.Code)
		return
	}

	if e.Code >= http.StatusInternalServerError {
		p.log.Error("request failed",
			zap.String("site", p.name), zap.String("id", c.ID),
			zap.Int("code", e.Code), zap.String("detail", e.Detail))
	}

	env := Envelope{Error: true, Code: e.Code, Msg: e.Msg, Detail: e.Detail}
	encoded, _ := json.Marshal(env)
	mergeHeaders(c.W.Header(), c.Header)
	c.W.Header().Set("Content-Type", "application/json; charset=utf-8")
	c.W.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
	c.W.WriteHeader(e.Code)
	if c.Method != "head" {
		_, _ = c.W.Write(encoded)
	}
}

func mergeHeaders(dst http.Header, src http.Header) {
	for k, vals := range src {
		dst.Del(k)
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// countingWriter tracks status and body bytes for request logging.
type countingWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *countingWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *countingWriter) Status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}
