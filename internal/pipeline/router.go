package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Middleware handles one request. It may produce a payload or typed
// response on the context, return an error for the funnel, or call
// ctx.Next() to delegate to the next matching route.
type Middleware func(c *Context) error

// Route is one immutable entry of a site's route table.
type Route struct {
	Method  string // lowercase verb, or "any"
	Pattern string
	matcher *Matcher
	Handler Middleware
}

// Matcher is a compiled Express-style pattern. Patterns support
// /:name, /:name?, /:name(regexp), /:name(regexp)? and a trailing *
// splat; matching is exact on the path, query string excluded.
type Matcher struct {
	re    *regexp.Regexp
	names []string
}

var paramToken = regexp.MustCompile(`^:([A-Za-z_][A-Za-z0-9_]*)(\(.*\))?(\?)?$`)

// CompilePattern builds a matcher. Patterns are compiled once at route
// registration.
func CompilePattern(pattern string) (*Matcher, error) {
	if pattern == "" || pattern == "/" {
		return &Matcher{re: regexp.MustCompile(`^/?$`)}, nil
	}
	var (
		sb    strings.Builder
		names []string
	)
	sb.WriteString("^")
	for _, seg := range strings.Split(strings.TrimPrefix(pattern, "/"), "/") {
		switch {
		case seg == "*":
			names = append(names, "splat")
			sb.WriteString(`(?:/(.*))?`)
		case strings.HasPrefix(seg, ":"):
			m := paramToken.FindStringSubmatch(seg)
			if m == nil {
				return nil, fmt.Errorf("pattern %q: bad parameter segment %q", pattern, seg)
			}
			name, group, optional := m[1], m[2], m[3] == "?"
			expr := `[^/]+`
			if group != "" {
				expr = group[1 : len(group)-1]
			}
			names = append(names, name)
			if optional {
				fmt.Fprintf(&sb, `(?:/(%s))?`, expr)
			} else {
				fmt.Fprintf(&sb, `/(%s)`, expr)
			}
		default:
			sb.WriteString("/")
			sb.WriteString(regexp.QuoteMeta(seg))
		}
	}
	sb.WriteString(`/?$`)
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return &Matcher{re: re, names: names}, nil
}

// Match tests a path and returns extracted named params, or false.
func (m *Matcher) Match(path string) (map[string]string, bool) {
	groups := m.re.FindStringSubmatch(path)
	if groups == nil {
		return nil, false
	}
	params := make(map[string]string, len(m.names))
	for i, name := range m.names {
		if i+1 < len(groups) {
			params[name] = groups[i+1]
		}
	}
	return params, true
}

// verbMatch implements the routing verb rules: any matches everything,
// get also matches head.
func verbMatch(routeMethod, requestMethod string) bool {
	switch routeMethod {
	case "any", "":
		return true
	case "get":
		return requestMethod == "get" || requestMethod == "head"
	default:
		return routeMethod == requestMethod
	}
}
