package server

import (
	"fmt"
	"slices"

	"github.com/tadaszelvys/server-library-sub000/internal/util"
	"github.com/tadaszelvys/server-library-sub000/storage"
)

// ScopePolicy decides the granted scopes of a request.
//
// available is the set the client may be granted (empty means unrestricted),
// defaults the set used when nothing was requested. requested is
// deduplicated and in request order.
type ScopePolicy interface {
	Name() string
	Resolve(available, defaults, requested []string) ([]string, error)
}

// ScopeNegotiator is the registry of scope policies.
type ScopeNegotiator struct {
	policies *registry[ScopePolicy]
	config   *Config
}

// NewScopeNegotiator returns a negotiator with the default and error
// policies registered.
func NewScopeNegotiator(config *Config) *ScopeNegotiator {
	n := &ScopeNegotiator{policies: newRegistry[ScopePolicy](), config: config}
	n.Register(defaultScopePolicy{})
	n.Register(errorScopePolicy{})
	return n
}

// Register adds a policy. The first registration of a name wins.
func (n *ScopeNegotiator) Register(p ScopePolicy) bool {
	return n.policies.register(p)
}

// Policies returns the registered policy names in registration order.
func (n *ScopeNegotiator) Policies() []string {
	return n.policies.names()
}

// Negotiate resolves the scopes granted to client for requested using the
// client's policy, or the server default policy.
func (n *ScopeNegotiator) Negotiate(client *storage.Client, requested []string) ([]string, error) {
	name := client.ScopePolicy
	if name == "" {
		name = n.config.DefaultScopePolicy
	}
	policy, ok := n.policies.get(name)
	if !ok {
		return nil, ErrServerError(fmt.Sprintf("Unknown scope policy %q.", name))
	}

	available := client.Scopes
	if len(available) == 0 {
		available = n.config.SupportedScopes
	}
	defaults := client.DefaultScopes
	if len(defaults) == 0 {
		defaults = n.config.DefaultScopes
	}

	return policy.Resolve(available, defaults, util.DedupeScopes(requested))
}

// Narrow checks that requested is a subset of granted. An empty request
// keeps the granted set.
func (n *ScopeNegotiator) Narrow(granted, requested []string) ([]string, error) {
	requested = util.DedupeScopes(requested)
	if len(requested) == 0 {
		return slices.Clone(granted), nil
	}

	var outside []string
	for _, scope := range requested {
		if !slices.Contains(granted, scope) {
			outside = append(outside, scope)
		}
	}
	if len(outside) > 0 {
		return nil, ErrInvalidScope(fmt.Sprintf("The scope %s is not allowed.", quoteList(outside)))
	}
	return requested, nil
}

// defaultScopePolicy substitutes the defaults for an empty request and
// rejects scopes outside the available set.
type defaultScopePolicy struct{}

func (defaultScopePolicy) Name() string { return ScopePolicyDefault }

func (defaultScopePolicy) Resolve(available, defaults, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(defaults), nil
	}
	if len(available) == 0 {
		return requested, nil
	}

	var unsupported []string
	for _, scope := range requested {
		if !slices.Contains(available, scope) {
			unsupported = append(unsupported, scope)
		}
	}
	if len(unsupported) > 0 {
		return nil, ErrInvalidScope(fmt.Sprintf("An unsupported scope was requested: %s.", quoteList(unsupported)))
	}
	return requested, nil
}

// errorScopePolicy requires the client to name its scopes.
type errorScopePolicy struct{}

func (errorScopePolicy) Name() string { return ScopePolicyError }

func (errorScopePolicy) Resolve(available, defaults, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, ErrInvalidScope(descNoScope)
	}
	return defaultScopePolicy{}.Resolve(available, defaults, requested)
}
