package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrCredentialUnresolved is returned when a credential reference points at
// a missing environment variable or an unreadable file.
var ErrCredentialUnresolved = errors.New("config: credential unresolved")

// ResolveCredential resolves a credential reference:
//
//   - "env:NAME" reads environment variable NAME
//   - "file:/path" reads the file and trims surrounding whitespace
//   - anything else is the credential itself
//
// An empty reference resolves to the empty string. Errors never include the
// secret, only the reference.
func ResolveCredential(_ context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %q is not set", ErrCredentialUnresolved, name)
		}
		return strings.TrimSpace(v), nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: read %q: %w", ErrCredentialUnresolved, path, err)
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return ref, nil
	}
}
