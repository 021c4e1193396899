// Package auth verifies presented credentials against stored digests.
//
// Raw secrets never leave Authenticate: only their SHA-256 digests are looked
// up or compared, and admin secret comparison runs in constant time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"jokeguard/internal/model"
)

// Kind is the credential a route requires.
type Kind int

const (
	KindNone Kind = iota
	KindAPIKey
	KindAdminSecret
)

func (k Kind) String() string {
	switch k {
	case KindAPIKey:
		return "api_key"
	case KindAdminSecret:
		return "admin_secret"
	}
	return "none"
}

// ErrAdminSecretUnset is returned when an admin route is hit but no admin
// secret is configured. It is a server condition, not a caller failure.
var ErrAdminSecretUnset = errors.New("admin secret not configured")

type KeyStore interface {
	// LookupByDigest returns nil, nil when no key has the digest.
	LookupByDigest(ctx context.Context, digest string) (*model.CredentialRecord, error)
}

type AdminSecretStore interface {
	// Digest returns nil when no admin secret is configured.
	Digest() []byte
}

type Gate struct {
	keys  KeyStore
	admin AdminSecretStore
}

func NewGate(keys KeyStore, admin AdminSecretStore) *Gate {
	return &Gate{keys: keys, admin: admin}
}

func (g *Gate) Authenticate(ctx context.Context, presented string, kind Kind) (model.AuthOutcome, error) {
	if kind == KindNone {
		return model.AuthOutcome{Status: model.AuthNotRequired}, nil
	}
	if kind == KindAdminSecret && (g.admin == nil || len(g.admin.Digest()) == 0) {
		return model.AuthOutcome{}, ErrAdminSecretUnset
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return model.AuthOutcome{Status: model.AuthMissing}, nil
	}
	switch kind {
	case KindAPIKey:
		rec, err := g.keys.LookupByDigest(ctx, Digest(presented))
		if err != nil {
			return model.AuthOutcome{}, fmt.Errorf("lookup api key: %w", err)
		}
		if rec == nil || !rec.Active {
			return model.AuthOutcome{Status: model.AuthInvalid}, nil
		}
		return model.AuthOutcome{Status: model.AuthValid, CredentialID: rec.ID}, nil
	case KindAdminSecret:
		sum := sha256.Sum256([]byte(presented))
		if !ConstantTimeEqual(sum[:], g.admin.Digest()) {
			return model.AuthOutcome{Status: model.AuthInvalid}, nil
		}
		return model.AuthOutcome{Status: model.AuthValid}, nil
	}
	return model.AuthOutcome{}, fmt.Errorf("unknown credential kind %d", kind)
}

// Digest is the hex SHA-256 form in which API keys are stored.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual takes time dependent only on the lengths of a and b,
// never on where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateKey returns prefix followed by 32 random bytes, base64url encoded.
func GenerateKey(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// AdminSecret holds the digest of the configured admin secret and can be
// swapped on config reload.
type AdminSecret struct {
	digest atomic.Pointer[[]byte]
}

func NewAdminSecret(secret string) *AdminSecret {
	a := &AdminSecret{}
	a.Set(secret)
	return a
}

func (a *AdminSecret) Set(secret string) {
	if secret == "" {
		a.digest.Store(nil)
		return
	}
	sum := sha256.Sum256([]byte(secret))
	d := sum[:]
	a.digest.Store(&d)
}

func (a *AdminSecret) Digest() []byte {
	if p := a.digest.Load(); p != nil {
		return *p
	}
	return nil
}
