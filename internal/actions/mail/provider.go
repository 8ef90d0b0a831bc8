package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoProvider is returned when no configured provider is available.
var ErrNoProvider = errors.New("mail: no configured provider")

// Request is one email to send.
type Request struct {
	From    string
	To      []string
	Subject string
	Body    string
	HTML    string
}

// Provider sends mail through one backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *Request) error
	IsConfigured() bool
}

// Registry holds providers with primary/fallback ordering.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	fallback  []string
	logger    *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{providers: make(map[string]Provider), logger: logger}
}

// Register adds or replaces a provider.
func (r *Registry) Register(provider Provider) {
	if provider == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
	r.logger.Info("mail provider registered", "name", provider.Name(), "configured", provider.IsConfigured())
}

// SetPrimary selects the primary provider.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("mail: provider %q not registered", name)
	}
	r.primary = name
	return nil
}

// SetFallback sets the fallback order.
func (r *Registry) SetFallback(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("mail: provider %q not registered", name)
		}
	}
	r.fallback = append([]string(nil), names...)
	return nil
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers through the primary provider, then the fallbacks.
func (r *Registry) Send(ctx context.Context, req *Request) error {
	return r.SendVia(ctx, "", req)
}

// SendVia tries preferred first when it is configured, then the primary and
// the fallbacks in order. The first error is returned when every attempt fails.
func (r *Registry) SendVia(ctx context.Context, preferred string, req *Request) error {
	if req == nil || len(req.To) == 0 {
		return errors.New("mail: no recipients")
	}
	candidates := r.candidates(preferred)
	if len(candidates) == 0 {
		return ErrNoProvider
	}
	var firstErr error
	for i, provider := range candidates {
		err := provider.Send(ctx, req)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if i+1 < len(candidates) {
			r.logger.Warn("mail provider failed, trying next", "provider", provider.Name(), "next", candidates[i+1].Name(), "error", err)
		}
	}
	return firstErr
}

func (r *Registry) candidates(preferred string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order := make([]string, 0, len(r.fallback)+2)
	if preferred != "" {
		order = append(order, preferred)
	}
	if r.primary != "" {
		order = append(order, r.primary)
	}
	order = append(order, r.fallback...)

	seen := make(map[string]struct{}, len(order))
	out := make([]Provider, 0, len(order))
	for _, name := range order {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if p, ok := r.providers[name]; ok && p.IsConfigured() {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := r.providers[name]; p.IsConfigured() {
			return []Provider{p}
		}
	}
	return nil
}
