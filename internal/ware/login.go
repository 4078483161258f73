package ware

import (
	"fmt"

	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/pkg/token"
)

// Login mints a bearer token for an already-authenticated request and
// returns {token, payload}. A Basic login always works; presenting a
// bearer token only works when the token service allows renewal.
func Login(scope *Scope) pipeline.Middleware {
	return func(c *pipeline.Context) error {
		if !c.Authenticated() {
			return pipeline.Unauthorized(msgAuthFailed)
		}
		if c.AuthKind == pipeline.AuthBearer && !scope.Tokens.Renewable() {
			return pipeline.Unauthorized("Token renewal requires login")
		}

		// Re-mint from the profile only; the lifetime claims of a
		// presented token must not survive into the new one.
		payload := make(map[string]any, len(c.User))
		for k, v := range c.User {
			switch k {
			case "iat", "exp", "ext":
			default:
				payload[k] = v
			}
		}
		tok, err := scope.Tokens.CreateToken(payload, 0)
		if err != nil {
			return pipeline.Internal(fmt.Errorf("token signing: %w", err))
		}
		// Echo the claims exactly as minted, iat/exp/ext included.
		if parts, err := token.Extract(tok); err == nil {
			payload = parts.Payload
		}
		c.SetHeader("Authorization", "Bearer "+tok)
		c.Payload = map[string]any{
			"token":   tok,
			"payload": payload,
		}
		return nil
	}
}

// Logout is a formality: tokens are stateless, so the reply is an empty
// object and the client discards its copy.
func Logout() pipeline.Middleware {
	return func(c *pipeline.Context) error {
		c.Payload = map[string]any{}
		return nil
	}
}
