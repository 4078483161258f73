// Package stats keeps the process-wide counters: proxy statistics,
// per-site analytics namespaces, blacklist hits and login history.
// Everything here is written from request goroutines, so all state is
// guarded; readers get JSON-ready snapshots.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry is the shared counter set. One per process, created at startup
// and handed to every site and proxy.
type Registry struct {
	served atomic.Int64
	probes atomic.Int64
	errors atomic.Int64

	mu        sync.Mutex
	analytics map[string]map[string]int64 // namespace -> key -> count
	blacklist map[string]int64            // ip -> count
	logins    []LoginEvent
}

// LoginEvent records one authentication attempt.
type LoginEvent struct {
	User string    `json:"user"`
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
}

const loginHistoryCap = 200

func NewRegistry() *Registry {
	return &Registry{
		analytics: map[string]map[string]int64{
			"ip":   {},
			"page": {},
			"user": {},
		},
		blacklist: map[string]int64{},
	}
}

// Served counts a proxied request that found its site.
func (r *Registry) Served() { r.served.Add(1) }

// Probe counts a request for an unknown host.
func (r *Registry) Probe() { r.probes.Add(1) }

// Error counts an upstream failure.
func (r *Registry) Error() { r.errors.Add(1) }

// Bump increments a key in one of the analytics namespaces.
func (r *Registry) Bump(namespace, key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.analytics[namespace]
	if !ok {
		ns = map[string]int64{}
		r.analytics[namespace] = ns
	}
	ns[key]++
}

// Blacklist increments the per-IP blacklist counter.
func (r *Registry) Blacklist(ip string) {
	if ip == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[ip]++
}

// Login appends an attempt to the bounded login history.
func (r *Registry) Login(user, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, LoginEvent{User: user, Kind: kind, Time: time.Now()})
	if len(r.logins) > loginHistoryCap {
		r.logins = r.logins[len(r.logins)-loginHistoryCap:]
	}
}

// Statistics returns the top-level counters.
func (r *Registry) Statistics() map[string]int64 {
	return map[string]int64{
		"served": r.served.Load(),
		"probes": r.probes.Load(),
		"errors": r.errors.Load(),
	}
}

// Analytics returns a copy of all namespaces.
func (r *Registry) Analytics() map[string]map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]int64, len(r.analytics))
	for ns, m := range r.analytics {
		c := make(map[string]int64, len(m))
		for k, v := range m {
			c[k] = v
		}
		out[ns] = c
	}
	return out
}

// Blacklisted returns a copy of the per-IP counters.
func (r *Registry) Blacklisted() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := make(map[string]int64, len(r.blacklist))
	for k, v := range r.blacklist {
		c[k] = v
	}
	return c
}

// Logins returns a copy of the recent login history.
func (r *Registry) Logins() []LoginEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LoginEvent, len(r.logins))
	copy(out, r.logins)
	return out
}
