package token

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"time"
)

const codeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Code is a time-limited one-shot credential stored under a user's
// credentials until it is consumed or expires.
type Code struct {
	Code string `json:"code"`
	IAT  int64  `json:"iat"` // unix seconds at issue
	Exp  int64  `json:"exp"` // lifetime in seconds
}

// GenCode produces a uniformly random string of size characters drawn
// from the first base characters of 0-9a-z, valid for expMin minutes.
func GenCode(size, base int, expMin int64) (Code, error) {
	if base < 2 || base > len(codeAlphabet) {
		base = len(codeAlphabet)
	}
	if size <= 0 {
		size = 6
	}
	buf := make([]byte, size)
	max := big.NewInt(int64(base))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return Code{}, err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	if expMin <= 0 {
		expMin = 15
	}
	return Code{Code: string(buf), IAT: time.Now().Unix(), Exp: expMin * 60}, nil
}

// CheckCode compares a challenge against a stored code in constant time
// and enforces the lifetime window.
func CheckCode(challenge string, stored Code) bool {
	if stored.Code == "" || challenge == "" {
		return false
	}
	if time.Now().Unix() >= stored.IAT+stored.Exp {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(stored.Code)) == 1
}
