package relay

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnGate enforces per-principal concurrent connection caps and inbound
// frame budgets at the gateway. One gate covers all four WebSocket
// endpoints.
type ConnGate struct {
	mu       sync.Mutex
	conns    map[string]int
	limiters map[string]*principalLimiter
	maxConns int
	frames   rate.Limit
	burst    int
}

type principalLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewConnGate(maxConns, framesPerSec, burst int) *ConnGate {
	return &ConnGate{
		conns:    make(map[string]int),
		limiters: make(map[string]*principalLimiter),
		maxConns: maxConns,
		frames:   rate.Limit(framesPerSec),
		burst:    burst,
	}
}

// Acquire reserves a connection slot for the principal. Callers must
// Release exactly once per successful Acquire.
func (g *ConnGate) Acquire(principal string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns[principal] >= g.maxConns {
		return false
	}
	g.conns[principal]++
	return true
}

func (g *ConnGate) Release(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.conns[principal]; n <= 1 {
		delete(g.conns, principal)
	} else {
		g.conns[principal] = n - 1
	}
}

// Conns reports a principal's live connection count.
func (g *ConnGate) Conns(principal string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[principal]
}

// AllowFrame charges one inbound frame against the principal's budget.
func (g *ConnGate) AllowFrame(principal string) bool {
	g.mu.Lock()
	pl, ok := g.limiters[principal]
	if !ok {
		pl = &principalLimiter{lim: rate.NewLimiter(g.frames, g.burst)}
		g.limiters[principal] = pl
	}
	pl.lastSeen = time.Now()
	g.mu.Unlock()
	return pl.lim.Allow()
}

// EvictStale drops limiter state for principals idle longer than maxIdle.
// Called from the server's reaper tick.
func (g *ConnGate) EvictStale(maxIdle time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for principal, pl := range g.limiters {
		if time.Since(pl.lastSeen) > maxIdle {
			delete(g.limiters, principal)
		}
	}
}

// clientIP extracts the caller's address for log correlation, preferring
// X-Forwarded-For when a proxy fronts the hub.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
