package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultHashCost = 10
	// bcrypt only looks at the first 72 bytes; longer input is rejected rather than truncated.
	MaxPasswordBytes = 72
)

var (
	ErrEmptyPassword   = errors.New("password cannot be empty")
	ErrPasswordTooLong = fmt.Errorf("password cannot be longer than %d bytes", MaxPasswordBytes)
	ErrInvalidHashCost = errors.New("invalid bcrypt cost")
)

// Hasher hashes and verifies passwords with bcrypt. It is safe for concurrent use.
type Hasher struct {
	cost  int
	dummy []byte
}

func NewHasher(cost int) (*Hasher, error) {
	const op = "auth.NewHasher"

	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%s: %w: %d", op, ErrInvalidHashCost, cost)
	}

	// The dummy hash is compared against when an account does not exist, so
	// unknown-email logins spend the same time as wrong-password logins.
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(seed)), cost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Hasher{cost: cost, dummy: dummy}, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	const op = "auth.Hasher.Hash"

	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// Verify reports whether password matches hash. Malformed hashes never match,
// and neither do passwords Hash would have rejected.
func (h *Hasher) Verify(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	if len(password) > MaxPasswordBytes {
		h.VerifyDummy(password)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy burns one comparison against the dummy hash. It always returns false.
func (h *Hasher) VerifyDummy(password string) bool {
	if len(password) > MaxPasswordBytes {
		password = password[:MaxPasswordBytes]
	}
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
	return false
}

func (h *Hasher) Cost() int {
	return h.cost
}
