package ware

import (
	"net/http"
	"strings"

	"github.com/crofthost/croft/internal/config"
	"github.com/crofthost/croft/internal/pipeline"
)

var (
	defaultCORSMethods = []string{"POST", "GET", "OPTIONS"}
	defaultCORSHeaders = []string{"Content-Type", "Authorization"}
)

// CORS enforces the origin allowlist. Requests without an Origin header
// pass through untouched; disallowed origins fail 403; preflights
// terminate with a headers-only 204.
func CORS(cfg config.CORS) pipeline.Middleware {
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	origins := make(map[string]bool, len(cfg.Origins))
	for _, o := range cfg.Origins {
		origins[strings.ToLower(o)] = true
	}

	return func(c *pipeline.Context) error {
		origin := c.R.Header.Get("Origin")
		if origin == "" {
			return c.Next()
		}
		if !origins[strings.ToLower(origin)] {
			return pipeline.Forbidden("origin not allowed")
		}
		c.SetHeader("Access-Control-Allow-Origin", origin)
		c.SetHeader("Access-Control-Expose-Headers", "*")
		if c.Method == "options" {
			c.SetHeader("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			c.SetHeader("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			if cfg.Credentials {
				c.SetHeader("Access-Control-Allow-Credentials", "true")
			}
			c.Response = &pipeline.Response{Status: http.StatusNoContent}
			return nil
		}
		return c.Next()
	}
}
