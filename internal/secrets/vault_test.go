package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

// clearVaultEnv keeps the host environment out of the tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T, handler http.HandlerFunc) *VaultProvider {
	t.Helper()
	clearVaultEnv(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func dbSecret(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/secret/data/myapp/db" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("X-Vault-Token") != "test-token" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_, _ = w.Write(kvV2Response(map[string]any{"password": "s3cret", "port": 5432}))
}

func TestVaultProvider_Resolve(t *testing.T) {
	vp := newVault(t, dbSecret)
	ctx := context.Background()

	secret, err := vp.Resolve(ctx, "vault://secret/data/myapp/db#password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "s3cret" {
		t.Errorf("Value = %q, want s3cret", secret.Value)
	}
	if secret.Metadata["field"] != "password" || secret.Metadata["source"] != "vault" {
		t.Errorf("Metadata = %v", secret.Metadata)
	}

	whole, err := vp.Resolve(ctx, "vault://secret/data/myapp/db")
	if err != nil {
		t.Fatalf("Resolve without field: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(whole.Value), &data); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if data["password"] != "s3cret" {
		t.Errorf("data = %v", data)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	vp := newVault(t, dbSecret)

	tests := []struct {
		name     string
		ref      string
		notFound bool
		contains string
	}{
		{"wrong scheme", "env://FOO", true, ""},
		{"empty path", "vault://", true, ""},
		{"missing path", "vault://secret/data/other", true, "not found"},
		{"missing field", "vault://secret/data/myapp/db#user", true, "field"},
		{"non-string field", "vault://secret/data/myapp/db#port", false, "not a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vp.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrSecretNotFound); got != tt.notFound {
				t.Errorf("errors.Is(ErrSecretNotFound) = %v, want %v (%v)", got, tt.notFound, err)
			}
			if tt.contains != "" && !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestVaultProvider_Forbidden(t *testing.T) {
	clearVaultEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(dbSecret))
	defer srv.Close()

	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "wrong"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	_, err = vp.Resolve(context.Background(), "vault://secret/data/myapp/db#password")
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("err = %v, want access denied", err)
	}
	if errors.Is(err, ErrSecretNotFound) {
		t.Error("forbidden must not look like a missing secret")
	}
}

func TestVaultProvider_EnvOverridesConfig(t *testing.T) {
	var gotNamespace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = r.Header.Get("X-Vault-Namespace")
		dbSecret(w, r)
	}))
	defer srv.Close()

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "test-token")
	t.Setenv("VAULT_NAMESPACE", "team-a")

	vp, err := NewVaultProvider(VaultConfig{Address: "http://unused.invalid", Token: "stale"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	if _, err := vp.Resolve(context.Background(), "vault://secret/data/myapp/db#password"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotNamespace != "team-a" {
		t.Errorf("namespace header = %q, want team-a", gotNamespace)
	}
}

func TestNewVaultProvider_Validation(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error for missing address")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://localhost:8200"}); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestNewVaultProvider_EmptyEnvFallsBackToConfig(t *testing.T) {
	var gotNamespace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = r.Header.Get("X-Vault-Namespace")
		dbSecret(w, r)
	}))
	defer srv.Close()
	clearVaultEnv(t)

	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token", Namespace: "team-b"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	if _, err := vp.Resolve(context.Background(), "vault://secret/data/myapp/db#password"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotNamespace != "team-b" {
		t.Errorf("namespace header = %q, want team-b", gotNamespace)
	}
}
