// Package roomcode generates and parses the short codes people use to find a
// room. Codes avoid characters that are easy to misread (0/O, 1/I).
package roomcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// Alphabet is 32 symbols, so a random byte maps onto it without bias.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	Length   = 6

	maxRetries = 10
	pathPrefix = "room"
)

var (
	ErrInvalidCode   = errors.New("invalid room code")
	ErrCodeExhausted = errors.New("failed to generate unique room code after multiple attempts")
)

// ExistsFunc reports whether a code is already taken.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// Generator produces room codes.
type Generator struct {
	read func([]byte) (int, error)
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{read: rand.Read}
}

// New returns a random code.
func (g *Generator) New() (string, error) {
	b := make([]byte, Length)
	if _, err := g.read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i := range b {
		b[i] = Alphabet[int(b[i])%len(Alphabet)]
	}
	return string(b), nil
}

// NewUnique returns a code for which exists reports false, retrying on
// collisions.
func (g *Generator) NewUnique(ctx context.Context, exists ExistsFunc) (string, error) {
	for i := 0; i < maxRetries; i++ {
		code, err := g.New()
		if err != nil {
			return "", err
		}
		if exists == nil {
			return code, nil
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check room code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

// Normalize upper-cases and trims a user-entered code and validates it.
func Normalize(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !Valid(c) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return c, nil
}

// Valid reports whether code is a canonical room code.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// ShareURL embeds code as a path segment under base.
func ShareURL(base, code string) string {
	return strings.TrimRight(base, "/") + "/" + pathPrefix + "/" + code
}

// FromShareURL extracts and normalizes the code from a share URL.
func FromShareURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse share url: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == pathPrefix {
			return Normalize(segments[i+1])
		}
	}
	return "", fmt.Errorf("%w: no code in %q", ErrInvalidCode, raw)
}
