package token

import (
	"strings"
	"sync"
	"time"
)

const (
	throttleWindow = 10 * time.Minute
	throttleLimit  = 3
)

// Throttle tracks failed login attempts per user. More than three
// failures inside a rolling ten-minute window (anchored at the first
// failure) locks the account until the window passes; any success
// clears the counter.
type Throttle struct {
	mu    sync.Mutex
	users map[string]*attempts
}

type attempts struct {
	count  int
	anchor time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{users: map[string]*attempts{}}
}

// Locked reports whether the user is currently locked out. A lockout
// hit advances the window so hammering keeps the lock alive.
func (t *Throttle) Locked(user string) bool {
	user = strings.ToLower(user)
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.users[user]
	if !ok {
		return false
	}
	if time.Since(a.anchor) > throttleWindow {
		delete(t.users, user)
		return false
	}
	if a.count > throttleLimit {
		a.anchor = time.Now()
		return true
	}
	return false
}

// Fail records a failed attempt of the given kind.
func (t *Throttle) Fail(user string) {
	user = strings.ToLower(user)
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.users[user]
	if !ok || time.Since(a.anchor) > throttleWindow {
		t.users[user] = &attempts{count: 1, anchor: time.Now()}
		return
	}
	a.count++
}

// Pass clears the counter after a successful attempt.
func (t *Throttle) Pass(user string) {
	user = strings.ToLower(user)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, user)
}

// Failures returns the current failure count for a user.
func (t *Throttle) Failures(user string) int {
	user = strings.ToLower(user)
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.users[user]; ok {
		return a.count
	}
	return 0
}
