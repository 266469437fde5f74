// Package identity turns a bearer credential into the canonical owner id.
// The owner id scheme is chosen once here; callers only ever see the result.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"wordvision/internal/usertoken"
	"wordvision/pkg/domain"
)

// Scheme selects how the owner id is derived from a verified identity.
type Scheme string

const (
	// SchemeSubject uses the identity provider's immutable subject verbatim.
	SchemeSubject Scheme = "subject"
	// SchemeEmailSHA256 uses the lowercase hex SHA-256 of the raw UTF-8 email.
	// It matches partitions created by the legacy email-hash deployments.
	SchemeEmailSHA256 Scheme = "email-sha256"
)

var (
	ErrMissingCredential = domain.NewError(domain.KindAuth, "unauthorized", nil)
	errEmailRequired     = fmt.Errorf("token carries no email claim")
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (usertoken.Claims, error)
}

// Resolver resolves bearer credentials to identities.
type Resolver struct {
	verifier TokenVerifier
	scheme   Scheme
}

// ParseScheme validates a configured scheme name. Empty means SchemeSubject.
func ParseScheme(raw string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SchemeSubject:
		return SchemeSubject, nil
	case SchemeEmailSHA256:
		return SchemeEmailSHA256, nil
	default:
		return "", fmt.Errorf("unknown owner id scheme %q", raw)
	}
}

// NewResolver builds a resolver for the given scheme.
func NewResolver(verifier TokenVerifier, scheme Scheme) (*Resolver, error) {
	if verifier == nil {
		return nil, fmt.Errorf("token verifier required")
	}
	scheme, err := ParseScheme(string(scheme))
	if err != nil {
		return nil, err
	}
	return &Resolver{verifier: verifier, scheme: scheme}, nil
}

// Resolve verifies the bearer credential and returns the caller identity.
func (r *Resolver) Resolve(bearer string) (domain.Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return domain.Identity{}, ErrMissingCredential
	}
	claims, err := r.verifier.Verify(bearer)
	if err != nil {
		return domain.Identity{}, domain.NewError(domain.KindAuth, "unauthorized", err)
	}
	ownerID, err := r.ownerID(claims)
	if err != nil {
		return domain.Identity{}, domain.NewError(domain.KindAuth, "unauthorized", err)
	}
	attrs := map[string]string{}
	if claims.Name != "" {
		attrs["name"] = claims.Name
	}
	if claims.Username != "" {
		attrs["username"] = claims.Username
	}
	return domain.Identity{
		OwnerID:    ownerID,
		Subject:    claims.Subject,
		Email:      claims.Email,
		Attributes: attrs,
	}, nil
}

func (r *Resolver) ownerID(claims usertoken.Claims) (string, error) {
	switch r.scheme {
	case SchemeEmailSHA256:
		if claims.Email == "" {
			return "", errEmailRequired
		}
		return OwnerIDFromEmail(claims.Email), nil
	default:
		return claims.Subject, nil
	}
}

// OwnerIDFromEmail hashes the email bytes exactly as received.
func OwnerIDFromEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}
