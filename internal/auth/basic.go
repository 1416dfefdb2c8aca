package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BasicVerifier checks username/password pairs against bcrypt hashes.
type BasicVerifier struct {
	users map[string]User
	dummy []byte // compared against for unknown users
}

func NewBasicVerifier(users []User) (*BasicVerifier, error) {
	m := make(map[string]User, len(users))
	for _, u := range users {
		if u.Username == "" {
			return nil, errors.New("auth user without username")
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: invalid password_hash: %w", u.Username, err)
		}
		m[u.Username] = u
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("keepup-unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &BasicVerifier{users: m, dummy: dummy}, nil
}

// Verify takes "username:password".
func (b *BasicVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	user, pass, ok := strings.Cut(token, ":")
	if ok {
		return b.Check(ctx, user, pass)
	}
	return nil, fmt.Errorf("%w: malformed basic credentials", ErrUnauthorized)
}

func (b *BasicVerifier) Check(_ context.Context, username, password string) (*Identity, error) {
	u, ok := b.users[username]
	hash := b.dummy
	if ok {
		hash = []byte(u.PasswordHash)
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || err != nil {
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	return &Identity{Subject: u.Username, Username: u.Username, Roles: u.Roles, Method: MethodBasic}, nil
}

// HashPassword returns a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
