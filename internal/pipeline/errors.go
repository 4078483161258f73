package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/crofthost/croft/internal/bodyparse"
)

// Err is the error currency of the middleware chain. The funnel turns
// it into the canonical {error, code, msg, detail} envelope.
type Err struct {
	Code   int
	Msg    string
	Detail string
}

func (e *Err) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Code, e.Msg, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Msg)
}

// Envelope is the JSON error payload sent to clients.
type Envelope struct {
	Error  bool   `json:"error"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func newErr(code int, msg string) *Err {
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &Err{Code: code, Msg: msg}
}

func BadRequest(msg string) *Err       { return newErr(http.StatusBadRequest, msg) }
func Unauthorized(msg string) *Err     { return newErr(http.StatusUnauthorized, msg) }
func Forbidden(msg string) *Err        { return newErr(http.StatusForbidden, msg) }
func NotFound(msg string) *Err         { return newErr(http.StatusNotFound, msg) }
func MethodNotAllowed(msg string) *Err { return newErr(http.StatusMethodNotAllowed, msg) }
func PayloadTooLarge(msg string) *Err  { return newErr(http.StatusRequestEntityTooLarge, msg) }
func NotImplemented(msg string) *Err   { return newErr(http.StatusNotImplemented, msg) }

// Internal wraps an unexpected failure; the cause lands in detail.
func Internal(err error) *Err {
	e := newErr(http.StatusInternalServerError, "internal error")
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// Status carries a bare HTTP code through the chain. Codes below 400
// produce a status-only response at the funnel.
func Status(code int) *Err { return newErr(code, "") }

// funnelErr maps any chain error onto an *Err, translating the parser
// sentinels on the way.
func funnelErr(err error) *Err {
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, bodyparse.ErrTooLarge):
		return PayloadTooLarge("")
	case errors.Is(err, bodyparse.ErrNotImplemented):
		return NotImplemented("")
	case errors.Is(err, bodyparse.ErrMalformed):
		return BadRequest("malformed request body")
	}
	return Internal(err)
}
