package limiter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// GlobalConnectionLimiter caps concurrent connections for the process.
type GlobalConnectionLimiter struct {
	current atomic.Int64
	max     int64
}

func NewGlobalConnectionLimiter(max int64) *GlobalConnectionLimiter {
	return &GlobalConnectionLimiter{max: max}
}

// Acquire takes a slot, returning false at capacity.
func (l *GlobalConnectionLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *GlobalConnectionLimiter) Release() {
	l.current.Add(-1)
}

func (l *GlobalConnectionLimiter) Current() int64 {
	return l.current.Load()
}

// IPConnectionLimiter caps concurrent connections per source IP.
type IPConnectionLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func NewIPConnectionLimiter(maxPer int) *IPConnectionLimiter {
	return &IPConnectionLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

func (l *IPConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *IPConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

func (l *IPConnectionLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// AcceptRateLimiter is a token bucket of new connections per source IP.
// Buckets idle for ten minutes are dropped on the next sweep.
type AcceptRateLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	sweepInterval = 5 * time.Minute
	idleCutoff    = 10 * time.Minute
)

func NewAcceptRateLimiter(clock clockwork.Clock, perSecond float64, burst int) *AcceptRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AcceptRateLimiter{
		clock:     clock,
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(perSecond),
		burst:     burst,
		cleanupAt: clock.Now().Add(sweepInterval),
	}
}

func (l *AcceptRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(sweepInterval)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// must be called with mu held
func (l *AcceptRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-idleCutoff)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *AcceptRateLimiter) ActiveLimiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// ConnectionLimits combines the accept rate, global cap and per-IP cap.
type ConnectionLimits struct {
	global *GlobalConnectionLimiter
	perIP  *IPConnectionLimiter
	rate   *AcceptRateLimiter
}

// Limits configures NewConnectionLimits.
type Limits struct {
	MaxClients int
	MaxPerIP   int
	AcceptRate float64
	Clock      clockwork.Clock
}

func NewConnectionLimits(l Limits) *ConnectionLimits {
	burst := int(l.AcceptRate)
	if burst < 1 {
		burst = 1
	}
	return &ConnectionLimits{
		global: NewGlobalConnectionLimiter(int64(l.MaxClients)),
		perIP:  NewIPConnectionLimiter(l.MaxPerIP),
		rate:   NewAcceptRateLimiter(l.Clock, l.AcceptRate, burst),
	}
}

// LimitReason says why a connection was refused. It doubles as a metric label.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// Message is the line sent to a refused client.
func (r LimitReason) Message() string {
	switch r {
	case LimitReasonGlobal:
		return "server is full, try again later"
	case LimitReasonPerIP:
		return "too many connections from your address"
	case LimitReasonRate:
		return "connecting too fast, slow down"
	default:
		return "connection refused"
	}
}

// Acquire takes every limit for ip or none of them.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.Allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.Acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.Acquire(ip) {
		l.global.Release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release gives back what a successful Acquire took.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.Release(ip)
	l.global.Release()
}

func (l *ConnectionLimits) Global() *GlobalConnectionLimiter { return l.global }

func (l *ConnectionLimits) PerIP() *IPConnectionLimiter { return l.perIP }

// MessageLimiter throttles the lines of a single peer.
type MessageLimiter struct {
	clock   clockwork.Clock
	limiter *rate.Limiter
}

func NewMessageLimiter(clock clockwork.Clock, perSecond float64, burst int) *MessageLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if burst < 1 {
		burst = 1
	}
	return &MessageLimiter{
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow consumes one token if available.
func (m *MessageLimiter) Allow() bool {
	return m.limiter.AllowN(m.clock.Now(), 1)
}
