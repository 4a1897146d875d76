package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ingressLimiter is a per-IP token bucket guarding the HTTP surface itself,
// distinct from the per-(user,ref) execution rate limiter enforced inside
// the executor. It exists so a single noisy client can't exhaust connection
// and goroutine capacity before policy-level limits ever get a chance to run.
type ingressLimiter struct {
	mu       sync.Mutex
	visitors map[string]*ingressVisitor
	rps      rate.Limit
	burst    int
}

type ingressVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIngressLimiter creates a per-IP limiter allowing rps requests per second
// with the given burst, and starts its background stale-visitor sweep.
func newIngressLimiter(rps float64, burst int) *ingressLimiter {
	l := &ingressLimiter{
		visitors: make(map[string]*ingressVisitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.sweep()
	return l
}

func (l *ingressLimiter) visitor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &ingressVisitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// sweep evicts visitor entries idle for more than three minutes so the map
// doesn't grow without bound under a churn of distinct client IPs.
func (l *ingressLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// middleware rejects requests from an IP that has exceeded its bucket with
// 429 before the request reaches mux routing or any policy evaluation.
func (l *ingressLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
		}
		if !l.visitor(ip).Allow() {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
