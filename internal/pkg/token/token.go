// Package token is the credential service: password hashing, one-shot
// short codes, compact signed tokens and the login-attempt throttle.
//
// Tokens are three-part HS256 JWTs whose exp claim is a lifetime in
// seconds rather than an absolute timestamp; a token is live while
// now < iat+exp. The ext claim marks whether the token may be renewed
// by presenting it to /login again.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost gives 2^11 bcrypt rounds.
	DefaultCost = 11
	// DefaultExpSec is one week.
	DefaultExpSec = 7 * 24 * 3600
)

var (
	ErrExpired  = errors.New("token expired")
	ErrBadToken = errors.New("token invalid")
)

// Service mints and verifies credentials for one process.
type Service struct {
	secret    []byte
	cost      int
	expSec    int64
	renewable bool
	throttle  *Throttle
}

// Options configures a Service. Zero values fall back to defaults; an
// empty Secret picks a random 256-bit value at construction, which
// invalidates outstanding tokens on restart.
type Options struct {
	Secret    string
	Cost      int
	ExpSec    int64
	Renewable bool
}

func NewService(opts Options) *Service {
	secret := []byte(opts.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("token: entropy unavailable: %v", err))
		}
	}
	cost := opts.Cost
	if cost < bcrypt.MinCost {
		cost = DefaultCost
	}
	expSec := opts.ExpSec
	if expSec <= 0 {
		expSec = DefaultExpSec
	}
	return &Service{
		secret:    secret,
		cost:      cost,
		expSec:    expSec,
		renewable: opts.Renewable,
		throttle:  NewThrottle(),
	}
}

// Throttle exposes the login-attempt throttle bound to this service.
func (s *Service) Throttle() *Throttle { return s.throttle }

// ExpSec returns the configured token lifetime in seconds.
func (s *Service) ExpSec() int64 { return s.expSec }

// Renewable reports whether bearer tokens may be re-minted at /login.
func (s *Service) Renewable() bool { return s.renewable }

// CreatePW hashes a plaintext password with the configured bcrypt cost.
func (s *Service) CreatePW(pw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), s.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPW verifies a plaintext password against a stored hash.
func (s *Service) CheckPW(pw, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// CreateToken signs payload into a compact token. expSec <= 0 uses the
// service default. The payload is augmented with iat, exp and ext.
func (s *Service) CreateToken(payload map[string]any, expSec int64) (string, error) {
	if expSec <= 0 {
		expSec = s.expSec
	}
	claims := jwtlib.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	claims["iat"] = time.Now().Unix()
	claims["exp"] = expSec
	claims["ext"] = s.renewable
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// VerifyToken checks the signature and lifetime and returns the payload,
// or nil with an error. The exp claim is a duration, so the library's
// absolute-time validation is disabled and the window checked here.
func (s *Service) VerifyToken(raw string) (map[string]any, error) {
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithoutClaimsValidation(),
	)
	claims := jwtlib.MapClaims{}
	tok, err := parser.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrBadToken
	}
	iat, _ := toInt64(claims["iat"])
	exp, _ := toInt64(claims["exp"])
	if exp > 0 && time.Now().Unix() >= iat+exp {
		return nil, ErrExpired
	}
	return map[string]any(claims), nil
}

// Parts is the decoded but unvalidated structure of a compact token.
type Parts struct {
	Header    map[string]any
	Payload   map[string]any
	Signature []byte
}

// Extract decodes all three token parts without verifying anything.
func Extract(raw string) (*Parts, error) {
	segs := strings.Split(raw, ".")
	if len(segs) != 3 {
		return nil, ErrBadToken
	}
	var p Parts
	for i, dst := range []*map[string]any{&p.Header, &p.Payload} {
		b, err := base64.RawURLEncoding.DecodeString(segs[i])
		if err != nil {
			return nil, ErrBadToken
		}
		if err := json.Unmarshal(b, dst); err != nil {
			return nil, ErrBadToken
		}
	}
	sig, err := base64.RawURLEncoding.DecodeString(segs[2])
	if err != nil {
		return nil, ErrBadToken
	}
	p.Signature = sig
	return &p, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
