// Package credentials turns the password references found in host entries
// into secrets. Supported forms:
//
//	env:NAME        value of environment variable NAME
//	file:/path      first line of a file
//	age:/path       age-encrypted file, decrypted with credentials.age_identity
//	anything else   used literally
package credentials

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

// Resolver resolves references. It is safe for concurrent use.
type Resolver struct {
	identityPath string

	once       sync.Once
	identities []age.Identity
	idErr      error
}

// NewResolver creates a resolver using the credentials config section.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{identityPath: cfg.Credentials.AgeIdentity}
}

// Resolve returns the secret a reference points to.
func (r *Resolver) Resolve(ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}

	switch scheme {
	case "env":
		v, set := os.LookupEnv(rest)
		if !set {
			return "", fmt.Errorf("environment variable %s is not set", rest)
		}
		return v, nil
	case "file":
		b, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("failed to read credential file: %w", err)
		}
		return firstLine(b), nil
	case "age":
		return r.decryptFile(rest)
	default:
		// Passwords may legitimately contain colons.
		return ref, nil
	}
}

func (r *Resolver) decryptFile(path string) (string, error) {
	ids, err := r.loadIdentities()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open encrypted credential: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := age.Decrypt(f, ids...)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", path, err)
	}
	b, err := io.ReadAll(dec)
	if err != nil {
		return "", fmt.Errorf("failed to read decrypted credential: %w", err)
	}
	return firstLine(b), nil
}

func (r *Resolver) loadIdentities() ([]age.Identity, error) {
	r.once.Do(func() {
		if r.identityPath == "" {
			r.idErr = fmt.Errorf("credentials.age_identity is required for age: references")
			return
		}
		f, err := os.Open(r.identityPath)
		if err != nil {
			r.idErr = fmt.Errorf("failed to open age identity: %w", err)
			return
		}
		defer func() { _ = f.Close() }()
		r.identities, r.idErr = age.ParseIdentities(f)
		if r.idErr != nil {
			r.idErr = fmt.Errorf("failed to parse age identity: %w", r.idErr)
		}
	})
	return r.identities, r.idErr
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	if sc.Scan() {
		return strings.TrimRight(sc.Text(), "\r")
	}
	return ""
}
