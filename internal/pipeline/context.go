package pipeline

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/crofthost/croft/internal/bodyparse"
)

// URLParts is the parsed request URL.
type URLParts struct {
	Origin   string     `json:"origin"`
	Host     string     `json:"host"`
	Hostname string     `json:"hostname"`
	Port     string     `json:"port"`
	Pathname string     `json:"pathname"`
	Search   string     `json:"search"`
	Query    url.Values `json:"query"`
}

// Remote is the client address, preferring X-Forwarded-For.
type Remote struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

// Authentication kinds.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// Response is a fully-formed reply a middleware hands back instead of a
// JSON payload: static content, XML, redirects. Reader set means
// streaming; Body otherwise.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Reader io.ReadCloser
}

// Context carries one request through the middleware chain. It is
// created per request and never shared between requests.
type Context struct {
	W http.ResponseWriter
	R *http.Request

	ID          string
	Method      string // lowercase
	URL         URLParts
	Debug       bool
	Remote      Remote
	ContentType string
	Body        *bodyparse.Body

	// User is the recognized user's public profile; empty when
	// unauthenticated. Credentials never enter this map.
	User      map[string]any
	AuthKind  string
	Authorize func(groups ...string) bool

	// Header accumulates response headers across the chain.
	Header http.Header

	// Route cursor.
	Route  *Route
	Params map[string]string

	// Payload is serialized as JSON unless a typed Response is set.
	Payload  any
	Response *Response
	Status   int

	// State is scratch space for middleware cooperation.
	State map[string]any

	pipe     *Pipeline
	routeIdx int
}

// Ctx returns the request's cancellation context.
func (c *Context) Ctx() context.Context { return c.R.Context() }

// Next delegates to the next matching route in table order.
func (c *Context) Next() error { return c.pipe.dispatch(c) }

// Param returns a named path parameter extracted by the route matcher.
func (c *Context) Param(name string) string { return c.Params[name] }

// QueryValue returns the first query-string value for a key.
func (c *Context) QueryValue(key string) string { return c.URL.Query.Get(key) }

// SetHeader accumulates a response header.
func (c *Context) SetHeader(key, value string) { c.Header.Set(key, value) }

// Authenticated reports whether a user was recognized.
func (c *Context) Authenticated() bool { return len(c.User) > 0 }

// Username returns the authenticated username, or empty.
func (c *Context) Username() string {
	if v, ok := c.User["username"].(string); ok {
		return strings.ToLower(v)
	}
	return ""
}

// Groups returns the authenticated user's group memberships.
func (c *Context) Groups() []string {
	raw, ok := c.User["member"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// parseURL splits a request into the context's URL pieces. A trailing
// "!" on the path flips the per-request debug flag.
func parseURL(r *http.Request, forwardedHost string) (URLParts, bool) {
	host := r.Host
	if forwardedHost != "" {
		host = forwardedHost
	}
	hostname, port := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		hostname, port = h, p
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	pathname := r.URL.Path
	debug := false
	if strings.HasSuffix(pathname, "!") {
		debug = true
		pathname = strings.TrimSuffix(pathname, "!")
		if pathname == "" {
			pathname = "/"
		}
	}
	search := ""
	if r.URL.RawQuery != "" {
		search = "?" + r.URL.RawQuery
	}
	return URLParts{
		Origin:   scheme + "://" + host,
		Host:     host,
		Hostname: hostname,
		Port:     port,
		Pathname: pathname,
		Search:   search,
		Query:    r.URL.Query(),
	}, debug
}

// parseRemote extracts the client ip:port, trusting X-Forwarded-For
// when the proxy added it.
func parseRemote(r *http.Request) Remote {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return Remote{IP: first}
		}
	}
	ip, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return Remote{IP: r.RemoteAddr}
	}
	return Remote{IP: ip, Port: port}
}

// snapshot is the debug serialization of the whole context.
func (c *Context) snapshot() map[string]any {
	return map[string]any{
		"id":      c.ID,
		"method":  c.Method,
		"url":     c.URL,
		"remote":  c.Remote,
		"auth":    c.AuthKind,
		"user":    c.User,
		"params":  c.Params,
		"state":   c.State,
		"payload": c.Payload,
	}
}
