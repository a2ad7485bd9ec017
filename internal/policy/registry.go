package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProfile is returned when a profile name has no configuration.
var ErrUnknownProfile = errors.New("unknown policy profile")

// DefaultProfileName is used when no profiles are configured.
const DefaultProfileName = "default"

// Wrapper decorates an Engine after construction (metrics, tracing).
type Wrapper func(profile string, v Validator) Validator

// Registry owns the policy engines of a process. Engines are built lazily,
// once per profile, and reused for every later request.
// Thread-safe for concurrent use.
type Registry struct {
	mu             sync.Mutex
	engines        map[string]Validator
	profiles       map[string]Profile
	bindings       map[string]string // user ID → profile name
	defaultProfile string
	wrap           Wrapper
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBindings maps user IDs to profile names.
func WithBindings(bindings map[string]string) RegistryOption {
	return func(r *Registry) {
		for user, profile := range bindings {
			r.bindings[user] = profile
		}
	}
}

// WithDefaultProfile sets the profile used when a request names none.
func WithDefaultProfile(name string) RegistryOption {
	return func(r *Registry) {
		if name != "" {
			r.defaultProfile = name
		}
	}
}

// WithWrapper decorates every engine the registry builds.
func WithWrapper(w Wrapper) RegistryOption {
	return func(r *Registry) { r.wrap = w }
}

// NewRegistry creates a registry over the given profiles. With no profiles,
// a single restricted "default" profile is registered.
func NewRegistry(profiles []Profile, opts ...RegistryOption) *Registry {
	r := &Registry{
		engines:        make(map[string]Validator),
		profiles:       make(map[string]Profile, len(profiles)+1),
		bindings:       make(map[string]string),
		defaultProfile: DefaultProfileName,
	}
	for _, p := range profiles {
		r.profiles[p.Name] = p
	}
	if len(r.profiles) == 0 {
		r.profiles[DefaultProfileName] = Profile{Name: DefaultProfileName, Mode: ModeRestricted}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the engine for the named profile, building it on first use.
// An empty name selects the default profile.
func (r *Registry) Get(name string) (Validator, error) {
	if name == "" {
		name = r.defaultProfile
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.engines[name]; ok {
		return v, nil
	}
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}

	var v Validator = NewEngine(p)
	if r.wrap != nil {
		v = r.wrap(name, v)
	}
	r.engines[name] = v
	return v, nil
}

// ProfileFor returns the profile bound to userID, or the default profile.
func (r *Registry) ProfileFor(userID string) string {
	if p, ok := r.bindings[userID]; ok {
		return p
	}
	return r.defaultProfile
}

// DefaultProfile returns the name of the default profile.
func (r *Registry) DefaultProfile() string { return r.defaultProfile }

// Names lists the configured profiles in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
