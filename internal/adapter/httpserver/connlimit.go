package httpserver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateCleanupInterval = 5 * time.Minute
	rateIdleCutoff      = 10 * time.Minute
)

type limitReason string

const (
	limitReasonGlobal limitReason = "global_limit"
	limitReasonPerIP  limitReason = "per_ip_limit"
	limitReasonRate   limitReason = "rate_limit"
)

type connectionLimitsConfig struct {
	MaxTotal int
	MaxPerIP int
	Rate     float64
	Burst    int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// connectionLimits guards websocket opens: a token bucket per IP for the open
// rate, plus caps on concurrent sockets in total and per IP.
type connectionLimits struct {
	cfg   connectionLimitsConfig
	clock clockwork.Clock

	mu        sync.Mutex
	total     int
	perIP     map[string]int
	rates     map[string]*rateEntry
	cleanupAt time.Time
}

func newConnectionLimits(cfg connectionLimitsConfig, clock clockwork.Clock) *connectionLimits {
	return &connectionLimits{
		cfg:       cfg,
		clock:     clock,
		perIP:     make(map[string]int),
		rates:     make(map[string]*rateEntry),
		cleanupAt: clock.Now().Add(rateCleanupInterval),
	}
}

// Acquire reserves a slot for ip. Release must be called once per successful Acquire.
func (l *connectionLimits) Acquire(ip string) (bool, limitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(rateCleanupInterval)
	}

	entry, ok := l.rates[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.rates[ip] = entry
	}
	entry.lastSeen = now
	if !entry.limiter.AllowN(now, 1) {
		return false, limitReasonRate
	}

	if l.total >= l.cfg.MaxTotal {
		return false, limitReasonGlobal
	}
	if l.perIP[ip] >= l.cfg.MaxPerIP {
		return false, limitReasonPerIP
	}

	l.total++
	l.perIP[ip]++
	return true, ""
}

func (l *connectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, ok := l.perIP[ip]
	if !ok {
		return
	}
	if count <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = count - 1
	}
	l.total--
}

func (l *connectionLimits) Active() (total int, ips int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.perIP)
}

// cleanup drops idle rate limiters. Must be called with mu held.
func (l *connectionLimits) cleanup(now time.Time) {
	cutoff := now.Add(-rateIdleCutoff)
	for ip, entry := range l.rates {
		if entry.lastSeen.Before(cutoff) {
			delete(l.rates, ip)
		}
	}
}
