package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveEmptyRefIsAnonymous(t *testing.T) {
	secret, err := NewRefStore().Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if secret != nil {
		t.Errorf("expected nil secret for empty ref, got %+v", secret)
	}
}

func TestResolveEnvToken(t *testing.T) {
	t.Setenv("FORGE_TEST_TOKEN", "tok-abc123")

	secret, err := NewRefStore().Resolve(context.Background(), "env:FORGE_TEST_TOKEN")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if secret.Token != "tok-abc123" || secret.Username != "" {
		t.Errorf("unexpected secret: %+v", secret)
	}
}

func TestResolveEnvUserToken(t *testing.T) {
	t.Setenv("FORGE_TEST_USERPASS", "deployer:hunter2")

	secret, err := NewRefStore().Resolve(context.Background(), "env:FORGE_TEST_USERPASS")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if secret.Username != "deployer" || secret.Token != "hunter2" {
		t.Errorf("unexpected secret: %+v", secret)
	}
}

func TestResolveFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("tok-from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	secret, err := NewRefStore().Resolve(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if secret.Token != "tok-from-file" {
		t.Errorf("unexpected token: %q", secret.Token)
	}
}

func TestResolveErrors(t *testing.T) {
	store := NewRefStore()
	ctx := context.Background()

	tests := []struct {
		name string
		ref  string
	}{
		{"no scheme", "plaintext"},
		{"unknown scheme", "vault:secret/data/deploy"},
		{"missing env", "env:FORGE_TEST_DOES_NOT_EXIST"},
		{"missing file", "file:/does/not/exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Resolve(ctx, tt.ref); err == nil {
				t.Errorf("expected error for ref %q", tt.ref)
			}
		})
	}
}
