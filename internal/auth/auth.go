// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth issues and verifies API tokens.
//
// Tokens are 32 random bytes, hex encoded with a "oy_" prefix. They are
// shown once at creation; only their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/openyap/internal/model"
)

const (
	// TokenPrefix marks openyap API tokens.
	TokenPrefix = "oy_"

	// tokenBytes is the amount of randomness in a token.
	tokenBytes = 32
)

var (
	// ErrInvalidToken is returned for unknown or revoked tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMalformedToken is returned for tokens that cannot have been issued.
	ErrMalformedToken = errors.New("malformed token")
)

// =============================================================================
// TOKENS
// =============================================================================

// GenerateToken returns a new random token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptographic random generation failed: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// HashToken returns the stored form of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, non-reversible identifier for logs.
func Fingerprint(token string) string {
	return HashToken(token)[:8]
}

// WellFormed reports whether token has the shape of an issued token.
func WellFormed(token string) bool {
	rest, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok || len(rest) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// =============================================================================
// USERS
// =============================================================================

// Store is the subset of storage.Store used for accounts.
type Store interface {
	CreateUser(ctx context.Context, u *model.User) error
	CreateToken(ctx context.Context, userID, tokenHash string) error
	UserByToken(ctx context.Context, tokenHash string) (*model.User, error)
	DeleteToken(ctx context.Context, tokenHash string) error
}

// CreateUser creates an account and its first token. The token is
// returned in clear text and cannot be recovered later.
func CreateUser(ctx context.Context, store Store, name, email string) (*model.User, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", errors.New("name is required")
	}
	u := &model.User{
		ID:        model.NewID(),
		Name:      name,
		Email:     strings.TrimSpace(email),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateUser(ctx, u); err != nil {
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}
	token, err := IssueToken(ctx, store, u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// IssueToken creates an additional token for userID.
func IssueToken(ctx context.Context, store Store, userID string) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	if err := store.CreateToken(ctx, userID, HashToken(token)); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// Authenticate resolves token to its user.
func Authenticate(ctx context.Context, store Store, token string) (*model.User, error) {
	if !WellFormed(token) {
		return nil, ErrMalformedToken
	}
	u, err := store.UserByToken(ctx, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return u, nil
}

// Revoke deletes token.
func Revoke(ctx context.Context, store Store, token string) error {
	return store.DeleteToken(ctx, HashToken(token))
}

// =============================================================================
// CONTEXT
// =============================================================================

type userKey struct{}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the authenticated user, if any.
func UserFrom(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey{}).(*model.User)
	return u, ok && u != nil
}
