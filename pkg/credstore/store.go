// Package credstore resolves credential references to secrets. Credential
// storage itself lives outside the engine; this package only dereferences
// opaque refs of the form "env:NAME" or "file:/path" handed around by the
// repository cache and configuration resolver.
package credstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Secret is the resolved form of a credential reference.
type Secret struct {
	// Token is the raw secret material for token or password auth.
	Token string

	// Username optionally accompanies Token for basic auth.
	Username string

	// PrivateKey is set instead of Token when the material is an SSH
	// private key.
	PrivateKey []byte
}

// Store resolves credential references.
type Store interface {
	// Resolve dereferences a credential ref. An empty ref resolves to nil
	// without error, meaning anonymous access.
	Resolve(ctx context.Context, ref string) (*Secret, error)
}

// RefStore implements Store over environment variables and local files.
type RefStore struct{}

// NewRefStore creates the default ref-based credential store.
func NewRefStore() *RefStore {
	return &RefStore{}
}

// Resolve dereferences refs of the form:
//
//	env:NAME            value of the environment variable NAME
//	file:/path/to/file  contents of the file
//
// Material that parses as an SSH private key is returned as PrivateKey; a
// "user:token" value splits into Username and Token; everything else is a
// bare Token.
func (s *RefStore) Resolve(ctx context.Context, ref string) (*Secret, error) {
	if ref == "" {
		return nil, nil
	}

	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, fmt.Errorf("credential ref %q has no scheme, expected env: or file:", ref)
	}

	var material []byte
	switch scheme {
	case "env":
		v, found := os.LookupEnv(rest)
		if !found {
			return nil, fmt.Errorf("credential ref %q: environment variable not set", ref)
		}
		material = []byte(v)
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return nil, fmt.Errorf("credential ref %q: %w", ref, err)
		}
		material = data
	default:
		return nil, fmt.Errorf("credential ref %q has unsupported scheme %q", ref, scheme)
	}

	return secretFromMaterial(material)
}

func secretFromMaterial(material []byte) (*Secret, error) {
	trimmed := strings.TrimSpace(string(material))
	if trimmed == "" {
		return nil, fmt.Errorf("credential material is empty")
	}

	if strings.Contains(trimmed, "PRIVATE KEY-----") {
		if _, err := ssh.ParseRawPrivateKey([]byte(trimmed + "\n")); err != nil {
			return nil, fmt.Errorf("credential material is not a valid private key: %w", err)
		}
		return &Secret{PrivateKey: []byte(trimmed + "\n")}, nil
	}

	if user, token, ok := strings.Cut(trimmed, ":"); ok && user != "" && token != "" {
		return &Secret{Username: user, Token: token}, nil
	}
	return &Secret{Token: trimmed}, nil
}
