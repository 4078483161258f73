package ware

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/pkg/mail"
	"github.com/crofthost/croft/internal/store"
	"github.com/crofthost/croft/internal/pkg/token"
)

// AccountPattern is the route the account middleware binds to.
const AccountPattern = "/user/:action/:user?/:opt?"

// Account manages the user directory: short-code issue and activation,
// self-service profile changes, and the directory listings.
func Account(scope *Scope) pipeline.Middleware {
	return func(c *pipeline.Context) error {
		if scope.Users == nil {
			return pipeline.NotImplemented("no user directory configured")
		}
		action := c.Param("action")
		switch c.Method {
		case "get", "head":
			return accountGet(scope, c, action)
		case "post":
			return accountPost(scope, c, action)
		}
		return pipeline.MethodNotAllowed("")
	}
}

func accountGet(scope *Scope, c *pipeline.Context, action string) error {
	switch action {
	case "code":
		return issueCode(scope, c)
	case "contacts", "groups", "users":
		if !c.Authorize("admin", "manager") {
			return pipeline.Forbidden("")
		}
		c.Payload = scope.Users.Query(recipeFor(action), nil)
		return nil
	case "names":
		if !c.Authenticated() {
			return pipeline.Unauthorized("")
		}
		c.Payload = scope.Users.Query(RecipeNames, nil)
		return nil
	}
	return pipeline.NotFound("")
}

func recipeFor(action string) string {
	switch action {
	case "contacts":
		return RecipeContacts
	case "groups":
		return RecipeGroups
	default:
		return RecipeUsers
	}
}

// issueCode mints a short code for a user, stores it under the user's
// credentials and dispatches it to the on-file contact: SMS unless the
// opt selects mail. Only an admin or manager sees the code echoed back.
func issueCode(scope *Scope, c *pipeline.Context) error {
	username := strings.ToLower(c.Param("user"))
	if username == "" {
		username = c.Username()
	}
	if username == "" {
		return pipeline.BadRequest("no user named")
	}
	rec := scope.FindUser(username)
	if rec == nil {
		return pipeline.NotFound("unknown user")
	}

	code, err := token.GenCode(6, 10, 0)
	if err != nil {
		return pipeline.Internal(fmt.Errorf("code generation: %w", err))
	}
	_, err = scope.Users.Modify(RecipeUser, []store.Entry{{
		Ref: username,
		Record: map[string]any{
			"username":    username,
			"credentials": map[string]any{"passcode": code},
		},
	}})
	if err != nil {
		scope.Log.Error("store code", zap.String("user", username), zap.Error(err))
		return pipeline.Internal(fmt.Errorf("code not stored: %w", err))
	}

	email, phone := UserContact(rec)
	message := fmt.Sprintf("Your %s login code is %s", scope.Site, code.Code)
	result := map[string]any{"user": username, "sent": false}

	byMail := c.Param("opt") != ""
	switch {
	case byMail && scope.Mail.Enabled() && email != "":
		_, err := scope.Mail.Send(c.Ctx(), mail.Message{
			To:      []string{email},
			Subject: "Login code",
			Text:    message,
		})
		result["sent"] = err == nil
		result["via"] = "mail"
		if err != nil {
			scope.Log.Warn("code mail", zap.String("user", username), zap.Error(err))
		}
	case !byMail && scope.SMS.Enabled() && phone != "":
		_, err := scope.SMS.Send(c.Ctx(), phone, message)
		result["sent"] = err == nil
		result["via"] = "sms"
		if err != nil {
			scope.Log.Warn("code sms", zap.String("user", username), zap.Error(err))
		}
	default:
		result["via"] = "none"
	}

	if c.Authorize("admin", "manager") {
		result["code"] = code.Code
	}
	c.Payload = result
	return nil
}

func accountPost(scope *Scope, c *pipeline.Context, action string) error {
	switch action {
	case "code":
		return activate(scope, c)
	case "change":
		return changeUsers(scope, c)
	case "groups":
		if !c.Authorize("admin") {
			return pipeline.Forbidden("")
		}
		entries, err := bodyEntries(c)
		if err != nil {
			return err
		}
		ops, err := scope.Users.Modify(RecipeGroup, entries)
		if err != nil {
			return pipeline.BadRequest(err.Error())
		}
		c.Payload = ops
		return nil
	}
	return pipeline.NotFound("")
}

// activate turns a PENDING account ACTIVE when the presented short code
// matches. Reachable without authentication: the pending user cannot
// log in yet.
func activate(scope *Scope, c *pipeline.Context) error {
	username := strings.ToLower(c.Param("user"))
	challenge := c.Param("opt")
	if username == "" || challenge == "" {
		return pipeline.BadRequest("user and code required")
	}
	rec := scope.FindUser(username)
	if rec == nil {
		return pipeline.Unauthorized(msgAuthFailed)
	}
	creds, _ := rec["credentials"].(map[string]any)
	if !token.CheckCode(challenge, decodePasscode(creds)) {
		scope.Tokens.Throttle().Fail(username)
		return pipeline.Unauthorized(msgAuthFailed)
	}
	status, _ := rec["status"].(string)
	if status == StatusPending {
		_, err := scope.Users.Modify(RecipeUser, []store.Entry{{
			Ref:    username,
			Record: map[string]any{"username": username, "status": StatusActive},
		}})
		if err != nil {
			return pipeline.Internal(fmt.Errorf("activation: %w", err))
		}
		status = StatusActive
	}
	c.Payload = map[string]any{"username": username, "status": status}
	return nil
}

// changeUsers applies a list of {ref, record} user mutations. A caller
// may create or update their own record; everything else is admin-only,
// and member/status never pass from a non-admin. A plaintext password
// field is hashed into credentials.hash before it reaches the store.
func changeUsers(scope *Scope, c *pipeline.Context) error {
	entries, err := bodyEntries(c)
	if err != nil {
		return err
	}
	admin := c.Authorize("admin")
	caller := c.Username()

	ops := make([]store.Op, 0, len(entries))
	for _, entry := range entries {
		if entry.Record == nil {
			if !admin {
				ops = append(ops, store.Op{Kind: store.OpBad, Ref: entry.Ref})
				continue
			}
			applied, err := scope.Users.Modify(RecipeUser, []store.Entry{entry})
			if err != nil {
				return pipeline.BadRequest(err.Error())
			}
			ops = append(ops, applied...)
			continue
		}

		rec, ok := entry.Record.(map[string]any)
		if !ok {
			ops = append(ops, store.Op{Kind: store.OpBad, Ref: entry.Ref})
			continue
		}
		target, _ := rec["username"].(string)
		target = strings.ToLower(target)
		if target == "" {
			if ref, ok := entry.Ref.(string); ok {
				target = strings.ToLower(ref)
			}
		}
		if !admin && (target == "" || target != caller) {
			ops = append(ops, store.Op{Kind: store.OpBad, Ref: entry.Ref})
			continue
		}
		if !admin {
			delete(rec, "member")
			delete(rec, "status")
		}
		if err := foldPassword(scope, rec); err != nil {
			return err
		}
		if target != "" {
			rec["username"] = target
		}
		applied, err := scope.Users.Modify(RecipeUser, []store.Entry{{Ref: entry.Ref, Record: rec}})
		if err != nil {
			return pipeline.BadRequest(err.Error())
		}
		ops = append(ops, applied...)
	}
	c.Payload = ops
	return nil
}

// foldPassword replaces a plaintext password field with its bcrypt hash
// under credentials.hash.
func foldPassword(scope *Scope, rec map[string]any) error {
	pw, _ := rec["password"].(string)
	if pw == "" {
		delete(rec, "password")
		return nil
	}
	hash, err := scope.Tokens.CreatePW(pw)
	if err != nil {
		return pipeline.Internal(fmt.Errorf("password hashing: %w", err))
	}
	delete(rec, "password")
	creds, _ := rec["credentials"].(map[string]any)
	if creds == nil {
		creds = map[string]any{}
	}
	creds["hash"] = hash
	rec["credentials"] = creds
	return nil
}

// bodyEntries decodes a JSON request body into modify entries.
func bodyEntries(c *pipeline.Context) ([]store.Entry, error) {
	if c.Body == nil || c.Body.Kind != "json" {
		return nil, pipeline.BadRequest("JSON body required")
	}
	list, ok := c.Body.Data.([]any)
	if !ok {
		return nil, pipeline.BadRequest("body must be a list of {ref, record}")
	}
	entries := make([]store.Entry, 0, len(list))
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, pipeline.BadRequest("body must be a list of {ref, record}")
		}
		entries = append(entries, store.Entry{Ref: m["ref"], Record: m["record"]})
	}
	return entries, nil
}
