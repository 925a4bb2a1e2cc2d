package server

import (
	"slices"
	"testing"

	"github.com/tadaszelvys/server-library-sub000/storage"
)

func TestScopeNegotiator_Negotiate(t *testing.T) {
	config := DefaultConfig()
	config.SupportedScopes = []string{"read", "write", "admin"}
	config.DefaultScopes = []string{"read"}
	n := NewScopeNegotiator(config)

	tests := []struct {
		name      string
		client    *storage.Client
		requested []string
		want      []string
		wantCode  string
	}{
		{
			name:   "default policy substitutes server defaults",
			client: &storage.Client{},
			want:   []string{"read"},
		},
		{
			name:   "default policy substitutes client defaults",
			client: &storage.Client{DefaultScopes: []string{"write", "read"}},
			want:   []string{"write", "read"},
		},
		{
			name:      "requested subset",
			client:    &storage.Client{},
			requested: []string{"write", "read", "write"},
			want:      []string{"write", "read"},
		},
		{
			name:      "unsupported scope",
			client:    &storage.Client{},
			requested: []string{"read", "delete"},
			wantCode:  ErrorCodeInvalidScope,
		},
		{
			name:      "client restricts available scopes",
			client:    &storage.Client{Scopes: []string{"read"}},
			requested: []string{"write"},
			wantCode:  ErrorCodeInvalidScope,
		},
		{
			name:     "error policy without request",
			client:   &storage.Client{ScopePolicy: ScopePolicyError},
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:      "error policy with request",
			client:    &storage.Client{ScopePolicy: ScopePolicyError},
			requested: []string{"admin"},
			want:      []string{"admin"},
		},
		{
			name:     "unknown policy",
			client:   &storage.Client{ScopePolicy: "nope"},
			wantCode: ErrorCodeServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Negotiate(tt.client, tt.requested)
			if tt.wantCode != "" {
				wantOAuthError(t, err, tt.wantCode, "")
				return
			}
			if err != nil {
				t.Fatalf("Negotiate() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Negotiate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopeNegotiator_ErrorPolicyMessage(t *testing.T) {
	n := NewScopeNegotiator(DefaultConfig())
	_, err := n.Negotiate(&storage.Client{ScopePolicy: ScopePolicyError}, nil)
	wantOAuthError(t, err, ErrorCodeInvalidScope, descNoScope)
}

func TestScopeNegotiator_UnrestrictedServer(t *testing.T) {
	n := NewScopeNegotiator(DefaultConfig())
	got, err := n.Negotiate(&storage.Client{}, []string{"anything"})
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if !slices.Equal(got, []string{"anything"}) {
		t.Errorf("Negotiate() = %v", got)
	}
}

func TestScopeNegotiator_Narrow(t *testing.T) {
	n := NewScopeNegotiator(DefaultConfig())
	granted := []string{"read", "write"}

	got, err := n.Narrow(granted, nil)
	if err != nil || !slices.Equal(got, granted) {
		t.Errorf("Narrow(nil) = %v, %v; want %v", got, err, granted)
	}

	got, err = n.Narrow(granted, []string{"read"})
	if err != nil || !slices.Equal(got, []string{"read"}) {
		t.Errorf("Narrow(read) = %v, %v", got, err)
	}

	_, err = n.Narrow(granted, []string{"read", "admin"})
	wantOAuthError(t, err, ErrorCodeInvalidScope, `The scope "admin" is not allowed.`)
}

type fixedScopePolicy struct{}

func (fixedScopePolicy) Name() string { return "fixed" }

func (fixedScopePolicy) Resolve(_, _, _ []string) ([]string, error) {
	return []string{"fixed"}, nil
}

func TestScopeNegotiator_Register(t *testing.T) {
	n := NewScopeNegotiator(DefaultConfig())
	if n.Register(defaultScopePolicy{}) {
		t.Error("Register() of a duplicate name should return false")
	}
	if !n.Register(fixedScopePolicy{}) {
		t.Fatal("Register() of a new policy should return true")
	}

	got, err := n.Negotiate(&storage.Client{ScopePolicy: "fixed"}, []string{"read"})
	if err != nil || !slices.Equal(got, []string{"fixed"}) {
		t.Errorf("Negotiate() = %v, %v", got, err)
	}
	if !slices.Equal(n.Policies(), []string{ScopePolicyDefault, ScopePolicyError, "fixed"}) {
		t.Errorf("Policies() = %v", n.Policies())
	}
}
