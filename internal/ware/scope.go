// Package ware holds the built-in middlewares and the per-site scope
// they are bound to. Factories close over an explicit Scope; nothing in
// here touches globals except the scribe.
package ware

import (
	"strings"

	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/cache"
	"github.com/crofthost/croft/internal/pkg/mail"
	"github.com/crofthost/croft/internal/pkg/sms"
	"github.com/crofthost/croft/internal/pkg/token"
	"github.com/crofthost/croft/internal/stats"
	"github.com/crofthost/croft/internal/store"
)

// User status values.
const (
	StatusPending  = "PENDING"
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
)

// Names of the conventional recipes a users store carries. The account
// middleware speaks to the user directory only through these.
const (
	RecipeUser     = "user"     // modify: one user by username ref
	RecipeUsers    = "users"    // query: full public user list
	RecipeContacts = "contacts" // query: username -> {email, phone}
	RecipeNames    = "names"    // query: usernames only
	RecipeGroups   = "groups"   // query: group list
	RecipeGroup    = "group"    // modify: one group by name ref
)

// Scope is the explicit per-site dependency set handed to middleware
// factories.
type Scope struct {
	Site   string
	Log    *zap.Logger
	Stores map[string]*store.Store
	Users  *store.Store // the store carrying the user directory; may be nil
	Tokens *token.Service
	Mail   *mail.Sender
	SMS    *sms.Sender
	Stats  *stats.Registry
	Cache  *cache.Cache
}

// DB resolves a store by name, or nil.
func (s *Scope) DB(name string) *store.Store {
	if s.Stores == nil {
		return nil
	}
	return s.Stores[name]
}

// userLookup is the internal recipe for resolving a full user record,
// credentials included. It never leaves this package undressed.
var userLookup = &store.Recipe{
	Name:       "_userLookup",
	Expression: `users.#(username==$name)`,
}

// FindUser returns the full user record for a lowercase username, or
// nil when absent.
func (s *Scope) FindUser(username string) map[string]any {
	if s.Users == nil {
		return nil
	}
	result := s.Users.QueryRecipe(userLookup, store.Bindings{
		"name": strings.ToLower(username),
	})
	rec, ok := result.(map[string]any)
	if !ok || rec["username"] == nil {
		return nil
	}
	return rec
}

// publicProfileFields is the allowlist of user fields that may leave
// the process.
var publicProfileFields = []string{
	"username", "member", "status", "fullname", "phone", "email", "other",
}

// PublicProfile projects a user record onto its public fields;
// credentials never pass.
func PublicProfile(rec map[string]any) map[string]any {
	out := make(map[string]any, len(publicProfileFields))
	for _, f := range publicProfileFields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}

// UserContact extracts the email and phone of a user record.
func UserContact(rec map[string]any) (email, phone string) {
	email, _ = rec["email"].(string)
	phone, _ = rec["phone"].(string)
	return email, phone
}
