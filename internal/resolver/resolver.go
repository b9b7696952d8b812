// Package resolver turns subscriber network addresses into host names for the
// device roster. Lookups are memoized for the lifetime of the process.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLookupTimeout = 2 * time.Second
	breakerFailures      = 5
	breakerDelay         = 30 * time.Second
)

// Failure reasons recorded when an address falls back to itself.
const (
	reasonNotFound    = "not_found"
	reasonLookupError = "lookup_error"
	reasonCircuitOpen = "circuit_open"
)

// LookupFunc performs a reverse lookup. net.Resolver.LookupAddr satisfies it.
type LookupFunc func(ctx context.Context, addr string) ([]string, error)

// Resolver is a memoizing reverse resolver. The zero value is not usable; use New.
type Resolver struct {
	lookup  LookupFunc
	timeout time.Duration
	clock   clockwork.Clock
	metrics *metrics.ResolverMetrics
	breaker circuitbreaker.CircuitBreaker[string]
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]string
}

type Option func(*Resolver)

func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithTimeout bounds a single reverse lookup.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Resolver) { r.clock = clock }
}

func WithMetrics(m *metrics.ResolverMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a Resolver backed by the system resolver unless WithLookup is given.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		lookup:  net.DefaultResolver.LookupAddr,
		timeout: defaultLookupTimeout,
		clock:   clockwork.NewRealClock(),
		cache:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.breaker = circuitbreaker.NewBuilder[string]().
		WithFailureThreshold(breakerFailures).
		WithDelay(breakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "resolver",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
		}).
		Build()

	return r
}

// Resolve returns the host name for an address, or the address itself when it
// cannot be resolved. Ports are ignored, so every connection from one host
// shares a cache entry.
func (r *Resolver) Resolve(ctx context.Context, address string) string {
	host := hostOf(address)
	if name, ok := r.cached(host); ok {
		r.hit()
		return name
	}

	v, _, _ := r.group.Do(host, func() (any, error) {
		if name, ok := r.cached(host); ok {
			return name, nil
		}
		return r.resolve(ctx, host), nil
	})
	return v.(string)
}

func (r *Resolver) resolve(ctx context.Context, host string) string {
	if r.metrics != nil {
		r.metrics.Misses.Inc()
	}

	if !r.breaker.TryAcquirePermit() {
		// Short-circuited results are not cached so the host resolves once DNS recovers.
		r.fail(reasonCircuitOpen)
		return host
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.clock.Now()
	names, err := r.lookup(lookupCtx, host)
	if r.metrics != nil {
		r.metrics.LookupSeconds.Observe(r.clock.Since(start).Seconds())
	}

	name := host
	switch {
	case err == nil && len(names) > 0:
		r.breaker.RecordSuccess()
		name = strings.TrimSuffix(names[0], ".")
	case err == nil || isNotFound(err):
		r.breaker.RecordSuccess()
		r.fail(reasonNotFound)
	case ctx.Err() != nil:
		// The caller gave up, which says nothing about the host or about DNS.
		return host
	default:
		r.breaker.RecordError(err)
		r.fail(reasonLookupError)
		slog.Debug("Reverse lookup failed", "address", host, "error", err)
	}

	r.store(host, name)
	return name
}

func (r *Resolver) cached(host string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.cache[host]
	return name, ok
}

// store keeps the first result for a host.
func (r *Resolver) store(host, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cache[host]; !exists {
		r.cache[host] = name
	}
}

func (r *Resolver) hit() {
	if r.metrics != nil {
		r.metrics.Hits.Inc()
	}
}

func (r *Resolver) fail(reason string) {
	if r.metrics != nil {
		r.metrics.Failures.WithLabelValues(reason).Inc()
	}
}

func hostOf(address string) string {
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
