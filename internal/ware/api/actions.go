package api

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crofthost/croft/internal/pipeline"
	"github.com/crofthost/croft/internal/pkg/mail"
	"github.com/crofthost/croft/internal/pkg/scribe"
	"github.com/crofthost/croft/internal/pkg/token"
	"github.com/crofthost/croft/internal/store"
	"github.com/crofthost/croft/internal/ware"
)

// grantMaxExpMin caps a granted code's lifetime at one week.
const grantMaxExpMin = 7 * 24 * 60

const (
	xmlEmpty    = `<?xml version="1.0" encoding="UTF-8"?><Response/>`
	xmlNoReply  = `<?xml version="1.0" encoding="UTF-8"?><Response><Message>This number does not accept replies.</Message></Response>`
	xmlMimeType = "text/xml; charset=utf-8"
)

// action dispatches the @ prefix. Everything but the twilio webhook is
// POST only.
func (w *Ware) action(c *pipeline.Context, name string, opts []string) error {
	if name == "twilio" {
		return w.twilio(c, opts)
	}
	if c.Method != "post" {
		return pipeline.MethodNotAllowed("")
	}
	switch name {
	case "grant":
		return w.grant(c, opts)
	case "scribe":
		return w.scribeAction(c, opts)
	case "mail":
		return w.mailAction(c)
	case "text":
		return w.textAction(c)
	}
	return pipeline.NotFound("")
}

func bodyObject(c *pipeline.Context) (map[string]any, error) {
	if c.Body == nil || c.Body.Kind != "json" {
		return nil, pipeline.BadRequest("JSON body required")
	}
	obj, ok := c.Body.Data.(map[string]any)
	if !ok {
		return nil, pipeline.BadRequest("body must be an object")
	}
	return obj, nil
}

func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if s, ok := el.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// grant issues login short-codes to a list of users and dispatches each
// to the user's contact: SMS unless the mail opt is given.
func (w *Ware) grant(c *pipeline.Context, opts []string) error {
	if !c.Authorize("admin", "grant") {
		return pipeline.Forbidden("")
	}
	obj, err := bodyObject(c)
	if err != nil {
		return err
	}
	users := stringList(obj["users"])
	if len(users) == 0 {
		return pipeline.BadRequest("users required")
	}
	expMin := int64(0)
	if f, ok := obj["exp"].(float64); ok {
		expMin = int64(f)
	}
	if expMin <= 0 || expMin > grantMaxExpMin {
		expMin = grantMaxExpMin
	}
	byMail := len(opts) > 0 && opts[0] == "mail"

	report := make([]map[string]any, 0, len(users))
	for _, username := range users {
		report = append(report, w.grantOne(c, strings.ToLower(username), expMin, byMail))
	}
	c.Payload = report
	return nil
}

func (w *Ware) grantOne(c *pipeline.Context, username string, expMin int64, byMail bool) map[string]any {
	item := map[string]any{"user": username, "ok": false}
	if w.scope.Users == nil {
		item["error"] = "no user directory"
		return item
	}
	rec := w.scope.FindUser(username)
	if rec == nil {
		item["error"] = "unknown user"
		return item
	}
	code, err := token.GenCode(6, 10, expMin)
	if err != nil {
		item["error"] = "code generation failed"
		return item
	}
	_, err = w.scope.Users.Modify(ware.RecipeUser, []store.Entry{{
		Ref: username,
		Record: map[string]any{
			"username":    username,
			"credentials": map[string]any{"passcode": code},
		},
	}})
	if err != nil {
		w.scope.Log.Error("grant store", zap.String("user", username), zap.Error(err))
		item["error"] = "code not stored"
		return item
	}

	email, phone := ware.UserContact(rec)
	message := fmt.Sprintf("Your %s login code is %s", w.scope.Site, code.Code)
	switch {
	case byMail && email != "" && w.scope.Mail.Enabled():
		_, err = w.scope.Mail.Send(c.Ctx(), mail.Message{
			To: []string{email}, Subject: "Login code", Text: message,
		})
	case !byMail && phone != "" && w.scope.SMS.Enabled():
		_, err = w.scope.SMS.Send(c.Ctx(), phone, message)
	default:
		err = fmt.Errorf("no reachable contact")
	}
	if err != nil {
		item["error"] = err.Error()
		return item
	}
	item["ok"] = true
	return item
}

// scribeAction reads or sets the process-wide log verbosity mask.
func (w *Ware) scribeAction(c *pipeline.Context, opts []string) error {
	if !c.Authorize("admin", "server") {
		return pipeline.Forbidden("")
	}
	if len(opts) > 0 && opts[0] != "" {
		scribe.SetMask(scribe.ParseLevel(opts[0]))
	}
	c.Payload = map[string]any{"level": scribe.Level(), "mask": scribe.Mask()}
	return nil
}

// translate maps a list of usernames or literal addresses onto contact
// addresses. Anything containing the marker passes through unchanged.
func (w *Ware) translate(names []string, marker string, pick func(rec map[string]any) string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if marker != "" && strings.Contains(name, marker) {
			out = append(out, name)
			continue
		}
		if rec := w.scope.FindUser(name); rec != nil {
			if addr := pick(rec); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

func pickEmail(rec map[string]any) string { e, _ := ware.UserContact(rec); return e }
func pickPhone(rec map[string]any) string { _, p := ware.UserContact(rec); return p }

// mailAction sends an email with usernames translated to addresses.
func (w *Ware) mailAction(c *pipeline.Context) error {
	if !c.Authorize("admin", "contact") {
		return pipeline.Forbidden("")
	}
	if !w.scope.Mail.Enabled() {
		return pipeline.NotImplemented("mail not configured")
	}
	obj, err := bodyObject(c)
	if err != nil {
		return err
	}
	msg := mail.Message{
		To:      w.translate(stringList(obj["to"]), "@", pickEmail),
		CC:      w.translate(stringList(obj["cc"]), "@", pickEmail),
		BCC:     w.translate(stringList(obj["bcc"]), "@", pickEmail),
		Subject: asString(obj["subject"]),
		Text:    asString(obj["text"]),
		HTML:    asString(obj["html"]),
	}
	if from := stringList(obj["from"]); len(from) > 0 {
		if t := w.translate(from[:1], "@", pickEmail); len(t) > 0 {
			msg.From = t[0]
		}
	}
	if len(msg.To) == 0 {
		return pipeline.BadRequest("no reachable recipients")
	}
	report, err := w.scope.Mail.Send(c.Ctx(), msg)
	if err != nil {
		w.scope.Log.Warn("mail action", zap.Error(err))
	}
	c.Payload = map[string]any{"ok": err == nil, "report": report, "to": msg.To}
	return nil
}

// textAction sends an SMS with usernames translated to phone numbers.
func (w *Ware) textAction(c *pipeline.Context) error {
	if !c.Authorize("admin", "contact") {
		return pipeline.Forbidden("")
	}
	if !w.scope.SMS.Enabled() {
		return pipeline.NotImplemented("sms not configured")
	}
	obj, err := bodyObject(c)
	if err != nil {
		return err
	}
	body := asString(obj["body"])
	if body == "" {
		body = asString(obj["text"])
	}
	to := w.translate(stringList(obj["to"]), "+", pickPhone)
	if len(to) == 0 || body == "" {
		return pipeline.BadRequest("to and body required")
	}

	report := make([]map[string]any, 0, len(to))
	for _, number := range to {
		r, err := w.scope.SMS.Send(c.Ctx(), number, body)
		if err != nil {
			w.scope.Log.Warn("text action", zap.String("to", number), zap.Error(err))
		}
		report = append(report, map[string]any{"to": number, "ok": err == nil, "report": r})
	}
	c.Payload = report
	return nil
}

// twilio is the delivery-status webhook. Inbound replies get a canned
// no-replies message; an undelivered status warns and texts the
// configured callback number.
func (w *Ware) twilio(c *pipeline.Context, opts []string) error {
	if len(opts) == 0 || opts[0] != "status" {
		return xmlResponse(c, xmlNoReply)
	}
	fields, _ := bodyFields(c)
	status := fields["MessageStatus"]
	if status == "undelivered" {
		w.scope.Log.Warn("sms undelivered",
			zap.String("to", fields["To"]), zap.String("sid", fields["MessageSid"]))
		if cb := w.scope.SMS.Callback(); cb != "" && w.scope.SMS.Enabled() {
			msg := fmt.Sprintf("Message to %s undelivered", fields["To"])
			if _, err := w.scope.SMS.Send(c.Ctx(), cb, msg); err != nil {
				w.scope.Log.Warn("callback sms", zap.Error(err))
			}
		}
	}
	return xmlResponse(c, xmlEmpty)
}

// bodyFields flattens an urlencoded or JSON body into strings.
func bodyFields(c *pipeline.Context) (map[string]string, bool) {
	out := map[string]string{}
	if c.Body == nil {
		return out, false
	}
	data, ok := c.Body.Data.(map[string]any)
	if !ok {
		return out, false
	}
	for k, v := range data {
		out[k] = asString(v)
	}
	return out, true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func xmlResponse(c *pipeline.Context, body string) error {
	c.Response = &pipeline.Response{
		Status: 200,
		Header: map[string][]string{"Content-Type": {xmlMimeType}},
		Body:   []byte(body),
	}
	return nil
}
