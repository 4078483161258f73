package ware

import "github.com/crofthost/croft/internal/pipeline"

// Analytics counts every request into the ip, page and user namespaces
// and always continues the chain.
func Analytics(scope *Scope) pipeline.Middleware {
	return func(c *pipeline.Context) error {
		scope.Stats.Bump("ip", c.Remote.IP)
		scope.Stats.Bump("page", c.URL.Pathname)
		if user := c.Username(); user != "" {
			scope.Stats.Bump("user", user)
		}
		return c.Next()
	}
}
