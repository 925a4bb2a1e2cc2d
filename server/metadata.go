package server

import "slices"

// Capabilities summarizes what the server supports, for discovery
// documents such as RFC 8414 authorization server metadata.
type Capabilities struct {
	GrantTypes          []string
	ResponseTypes       []string
	PKCEMethods         []string
	ClientAuthMethods   []string
	Scopes              []string
	ResponseModes       []string
	AssertionSigningAlg []string
}

// Capabilities reports the registered strategies in registration order.
// The implicit grant is listed when the token response type is registered.
func (s *Server) Capabilities() Capabilities {
	grants := s.Grants.GrantTypes()
	if _, ok := s.Grants.ResponseType(ResponseTypeToken); ok && !slices.Contains(grants, GrantTypeImplicit) {
		grants = append(grants, GrantTypeImplicit)
	}

	modes := []string{ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost}

	var algs []string
	if s.replayStore != nil {
		algs = append(slices.Clone(asymmetricAlgorithms), hmacAlgorithms...)
	}

	return Capabilities{
		GrantTypes:          grants,
		ResponseTypes:       s.Grants.ResponseTypes(),
		PKCEMethods:         s.PKCE.Methods(),
		ClientAuthMethods:   s.ClientAuth.Methods(),
		Scopes:              slices.Clone(s.Config.SupportedScopes),
		ResponseModes:       modes,
		AssertionSigningAlg: algs,
	}
}
