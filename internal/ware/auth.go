package ware

import (
	"strings"

	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/pkg/token"
)

// Login attempt kinds recorded into the history.
const (
	attemptBasic        = "basic"
	attemptBearer       = "bearer"
	attemptFailUnknown  = "failUnknown"
	attemptFailInactive = "failInactive"
	attemptFailPassword = "failPassword"
	attemptFailLocked   = "failLocked"
	attemptFailToken    = "failToken"
)

const (
	msgAuthFailed    = "Authentication failed"
	msgAccountLocked = "Account locked"
)

// Authenticator resolves Basic and Bearer credentials against the
// site's user directory and token service. Basic failures feed the
// throttle; a locked account fails before any verification runs.
type Authenticator struct {
	scope *Scope
}

func NewAuthenticator(scope *Scope) *Authenticator {
	return &Authenticator{scope: scope}
}

func (a *Authenticator) Basic(c *pipeline.Context, username, password string) (map[string]any, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	throttle := a.scope.Tokens.Throttle()

	if throttle.Locked(username) {
		a.scope.Stats.Login(username, attemptFailLocked)
		return nil, pipeline.Unauthorized(msgAccountLocked)
	}

	fail := func(kind string) error {
		throttle.Fail(username)
		a.scope.Stats.Login(username, kind)
		return pipeline.Unauthorized(msgAuthFailed)
	}

	rec := a.scope.FindUser(username)
	if rec == nil {
		return nil, fail(attemptFailUnknown)
	}
	if status, _ := rec["status"].(string); status != StatusActive {
		return nil, fail(attemptFailInactive)
	}

	if !a.checkCredentials(rec, password) {
		return nil, fail(attemptFailPassword)
	}

	throttle.Pass(username)
	a.scope.Stats.Login(username, attemptBasic)
	return PublicProfile(rec), nil
}

// checkCredentials tries the password hash first, then a live short
// code acting as a one-shot credential.
func (a *Authenticator) checkCredentials(rec map[string]any, password string) bool {
	creds, _ := rec["credentials"].(map[string]any)
	if creds == nil {
		return false
	}
	if hash, _ := creds["hash"].(string); hash != "" && a.scope.Tokens.CheckPW(password, hash) {
		return true
	}
	return token.CheckCode(password, decodePasscode(creds))
}

func decodePasscode(creds map[string]any) token.Code {
	pc, _ := creds["passcode"].(map[string]any)
	if pc == nil {
		return token.Code{}
	}
	code, _ := pc["code"].(string)
	iat := asInt64(pc["iat"])
	exp := asInt64(pc["exp"])
	return token.Code{Code: code, IAT: iat, Exp: exp}
}

func (a *Authenticator) Bearer(c *pipeline.Context, raw string) (map[string]any, error) {
	payload, err := a.scope.Tokens.VerifyToken(raw)
	if err != nil {
		user := ""
		if parts, perr := token.Extract(raw); perr == nil {
			user, _ = parts.Payload["username"].(string)
		}
		a.scope.Stats.Login(user, attemptFailToken)
		return nil, pipeline.Unauthorized("Token invalid or expired")
	}
	if user, _ := payload["username"].(string); user != "" {
		a.scope.Stats.Login(strings.ToLower(user), attemptBearer)
	}
	return payload, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
