package invoke

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
)

var (
	ErrBadTarget      = errors.New("target must be service.method")
	ErrUnknownService = errors.New("unknown service")
)

// Handler runs one method of a service.
type Handler func(ctx context.Context, method string, params map[string]any) (any, error)

// SplitTarget splits "service.method" at the first dot.
func SplitTarget(target string) (service, method string, err error) {
	service, method, ok := strings.Cut(strings.TrimSpace(target), ".")
	if !ok || service == "" || method == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadTarget, target)
	}
	return service, method, nil
}

// Registry is an Invoker backed by in-process handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register installs h for service, replacing any previous handler.
func (r *Registry) Register(service string, h Handler) {
	r.mu.Lock()
	r.handlers[service] = h
	r.mu.Unlock()
}

func (r *Registry) Unregister(service string) {
	r.mu.Lock()
	delete(r.handlers, service)
	r.mu.Unlock()
}

func (r *Registry) Services() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Has(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[service] != nil
}

// Invoke calls the handler for target's service. Unknown services and
// malformed targets are not retried.
func (r *Registry) Invoke(ctx context.Context, target string, params map[string]any) (any, error) {
	service, method, err := SplitTarget(target)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	r.mu.RLock()
	h := r.handlers[service]
	r.mu.RUnlock()
	if h == nil {
		return nil, engine.NoRetry(fmt.Errorf("%w: %s", ErrUnknownService, service))
	}
	return h(ctx, method, params)
}

// Invoker matches scheduler.Invoker.
type Invoker interface {
	Invoke(ctx context.Context, target string, params map[string]any) (any, error)
}

// Mux routes by service to the first invoker that owns it.
type Mux struct {
	routes   map[string]Invoker
	fallback Invoker
}

// NewMux routes unknown services to fallback, which may be nil.
func NewMux(fallback Invoker) *Mux {
	return &Mux{routes: map[string]Invoker{}, fallback: fallback}
}

func (m *Mux) Route(service string, inv Invoker) { m.routes[service] = inv }

func (m *Mux) Invoke(ctx context.Context, target string, params map[string]any) (any, error) {
	service, _, err := SplitTarget(target)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	if inv := m.routes[service]; inv != nil {
		return inv.Invoke(ctx, target, params)
	}
	if m.fallback != nil {
		return m.fallback.Invoke(ctx, target, params)
	}
	return nil, engine.NoRetry(fmt.Errorf("%w: %s", ErrUnknownService, service))
}
