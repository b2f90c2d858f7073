// Package adapter is the boundary to external lookups. Source-specific
// adapters live outside the core; this package binds them to handler ids and
// guards each one with a rate budget and a circuit breaker.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrNoAdapter is returned for a handler id nothing is registered for.
var ErrNoAdapter = errors.New("no adapter registered")

// Request is one action invocation.
type Request struct {
	Handler      string `json:"handler"`
	Value        string `json:"value"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Adapter executes a lookup. It returns *common.WallDetected when the source
// is structurally blocked and any other error for transient failures.
type Adapter interface {
	Execute(ctx context.Context, req Request) (common.CodedFacts, error)
}

// Func adapts a function to the Adapter interface.
type Func func(ctx context.Context, req Request) (common.CodedFacts, error)

func (f Func) Execute(ctx context.Context, req Request) (common.CodedFacts, error) {
	return f(ctx, req)
}

// Limits configures the guards around one adapter. Zero values select the
// defaults.
type Limits struct {
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// DefaultLimits are applied to adapters registered without explicit limits.
var DefaultLimits = Limits{
	RatePerSecond:   5,
	Burst:           5,
	BreakerFailures: 5,
	BreakerTimeout:  60 * time.Second,
}

func (l Limits) withDefaults() Limits {
	if l.RatePerSecond <= 0 {
		l.RatePerSecond = DefaultLimits.RatePerSecond
	}
	if l.Burst <= 0 {
		l.Burst = DefaultLimits.Burst
	}
	if l.BreakerFailures == 0 {
		l.BreakerFailures = DefaultLimits.BreakerFailures
	}
	if l.BreakerTimeout <= 0 {
		l.BreakerTimeout = DefaultLimits.BreakerTimeout
	}
	return l
}

type entry struct {
	adapter Adapter
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Registry binds handler ids to guarded adapters.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	metrics *metrics.Collector
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Collector) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		metrics: m,
	}
}

// Register binds an adapter to a handler id, replacing any previous one.
func (r *Registry) Register(handler string, a Adapter, limits Limits) {
	limits = limits.withDefaults()
	failures := limits.BreakerFailures

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    handler,
		Timeout: limits.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[Adapter] circuit breaker state changed", "handler", name, "from", from.String(), "to", to.String())
		},
		// A wall is an answer, not a malfunction of the source.
		IsSuccessful: func(err error) bool {
			var wall *common.WallDetected
			return err == nil || errors.As(err, &wall) || errors.Is(err, context.Canceled)
		},
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[handler] = &entry{
		adapter: a,
		limiter: rate.NewLimiter(rate.Limit(limits.RatePerSecond), limits.Burst),
		breaker: breaker,
	}
}

// Has reports whether an adapter is registered for handler.
func (r *Registry) Has(handler string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[handler]
	return ok
}

// Handlers returns the registered handler ids, sorted.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Missing returns the ids from want that have no adapter.
func (r *Registry) Missing(want []string) []string {
	var out []string
	for _, id := range want {
		if !r.Has(id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Execute runs the adapter for req.Handler. The returned error is nil, a
// *common.WallDetected, a *common.AdapterFailure or wraps ErrNoAdapter.
func (r *Registry) Execute(ctx context.Context, req Request) (common.CodedFacts, error) {
	r.mu.RLock()
	e, ok := r.entries[req.Handler]
	r.mu.RUnlock()
	if !ok {
		return common.CodedFacts{}, fmt.Errorf("%w: %s", ErrNoAdapter, req.Handler)
	}

	start := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		r.metrics.ObserveAction(req.Handler, "rate_limited", time.Since(start))
		return common.CodedFacts{}, &common.AdapterFailure{Handler: req.Handler, Err: err}
	}

	out, err := e.breaker.Execute(func() (any, error) {
		return e.adapter.Execute(ctx, req)
	})

	var facts common.CodedFacts
	if out != nil {
		facts = out.(common.CodedFacts)
	}
	if facts.Handler == "" {
		facts.Handler = req.Handler
	}

	var wall *common.WallDetected
	switch {
	case err == nil:
		r.metrics.ObserveAction(req.Handler, "ok", time.Since(start))
		return facts, nil
	case errors.As(err, &wall):
		if wall.Handler == "" {
			wall.Handler = req.Handler
		}
		r.metrics.ObserveAction(req.Handler, "wall", time.Since(start))
		return facts, wall
	default:
		r.metrics.ObserveAction(req.Handler, "failure", time.Since(start))
		var failure *common.AdapterFailure
		if errors.As(err, &failure) {
			return facts, err
		}
		return facts, &common.AdapterFailure{Handler: req.Handler, Err: err}
	}
}
