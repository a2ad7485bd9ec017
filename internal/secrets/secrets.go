// Package secrets resolves references such as "env://DB_PASSWORD" or
// "vault://secret/data/app#token" into values. It is used to fill
// execution.extra_env at startup so credentials reach child processes
// without being written into the config file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// ErrUnknownScheme is returned for a reference whose scheme has no provider.
var ErrUnknownScheme = errors.New("no provider for secret scheme")

// Secret holds resolved material. Never log Value.
type Secret struct {
	Value    string
	Metadata map[string]string // Backend details, e.g. path and field. Safe to log.
}

// Provider resolves references of one scheme. Implementations must be safe
// for concurrent use.
type Provider interface {
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Scheme is the reference prefix without "://", e.g. "vault".
	Scheme() string
}

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver over the given providers. A later provider
// replaces an earlier one with the same scheme.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// Schemes lists the registered schemes, sorted.
func (r *Resolver) Schemes() []string {
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsReference reports whether v looks like a secret reference for a
// registered scheme.
func (r *Resolver) IsReference(v string) bool {
	scheme, _, ok := strings.Cut(v, "://")
	if !ok {
		return false
	}
	_, known := r.providers[scheme]
	return known
}

// Resolve resolves a single reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a reference", ErrSecretNotFound, ref)
	}
	p, ok := r.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return p.Resolve(ctx, ref)
}

// ResolveEnv returns a copy of vars with every reference value replaced by
// its secret. Literal values pass through unchanged. Errors name the
// variable, never the value.
func (r *Resolver) ResolveEnv(ctx context.Context, vars map[string]string) (map[string]string, error) {
	if len(vars) == 0 {
		return vars, nil
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if !r.IsReference(v) {
			out[k] = v
			continue
		}
		s, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", k, err)
		}
		out[k] = s.Value
	}
	return out, nil
}
