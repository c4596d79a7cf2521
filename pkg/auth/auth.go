// Package auth gates the client behind the household's shared password.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrIncorrectPassword = errors.New("incorrect password")

type Gate struct {
	password string
	hash     []byte
}

// NewGate accepts either a clear password or a bcrypt hash of it. The hash wins when both
// are set.
func NewGate(password, hash string) (*Gate, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("failed to parse password hash: %w", err)
		}
		return &Gate{hash: []byte(hash)}, nil
	}
	if password == "" {
		return nil, errors.New("no password configured")
	}
	return &Gate{password: password}, nil
}

// Check returns ErrIncorrectPassword unless attempt matches the shared password.
func (g *Gate) Check(attempt string) error {
	if g.hash != nil {
		if err := bcrypt.CompareHashAndPassword(g.hash, []byte(attempt)); err != nil {
			return ErrIncorrectPassword
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(g.password), []byte(attempt)) != 1 {
		return ErrIncorrectPassword
	}
	return nil
}

// Hash produces a bcrypt hash suitable for auth.password_hash.
func Hash(password string) (string, error) {
	raw, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(raw), nil
}
