// Package tenantctx carries the active tenant of a request.
//
// A Scope is created once per request and stored in its context.Context, so
// the binding follows the goroutine serving that request and nothing else.
package tenantctx

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Default is the sentinel tenant used when a request names none.
const Default = "default"

// ErrNoScope is returned by Bind when ctx carries no scope.
var ErrNoScope = errors.New("tenantctx: no scope in context")

type scopeKey struct{}

// Scope holds the tenant bound for one request.
type Scope struct {
	mu    sync.RWMutex
	value string
	bound bool
}

// NewScope returns a child context carrying a fresh, unbound scope.
func NewScope(ctx context.Context) (context.Context, *Scope) {
	s := &Scope{}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// WithTenant returns a child context with a new scope already bound to
// tenant. Use it for detached work that outlives the request.
func WithTenant(ctx context.Context, tenant string) context.Context {
	ctx, s := NewScope(ctx)
	s.Bind(tenant)
	return ctx
}

// Run binds tenant in a fresh scope, calls fn, and clears the scope when fn
// returns or panics.
func Run(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	ctx, s := NewScope(ctx)
	s.Bind(tenant)
	defer s.Clear()
	return fn(ctx)
}

func fromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Bind sets the tenant of the scope carried by ctx.
func Bind(ctx context.Context, tenant string) error {
	s := fromContext(ctx)
	if s == nil {
		return ErrNoScope
	}
	s.Bind(tenant)
	return nil
}

// Current returns the tenant bound in ctx, if any.
func Current(ctx context.Context) (string, bool) {
	s := fromContext(ctx)
	if s == nil {
		return "", false
	}
	return s.Current()
}

// Clear unbinds the scope carried by ctx. It is a no-op without a scope.
func Clear(ctx context.Context) {
	if s := fromContext(ctx); s != nil {
		s.Clear()
	}
}

// Bind sets the tenant. Blank values are ignored.
func (s *Scope) Bind(tenant string) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return
	}
	s.mu.Lock()
	s.value, s.bound = tenant, true
	s.mu.Unlock()
}

// Current returns the bound tenant.
func (s *Scope) Current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.bound
}

// Clear unbinds the tenant.
func (s *Scope) Clear() {
	s.mu.Lock()
	s.value, s.bound = "", false
	s.mu.Unlock()
}
