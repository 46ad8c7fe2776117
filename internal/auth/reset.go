package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ResetTokenBytes is the amount of entropy in a reset secret (160 bits).
const ResetTokenBytes = 20

// TokenGenerator produces reset secrets and the digests stored in their place.
type TokenGenerator struct {
	random io.Reader
}

func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{random: rand.Reader}
}

// Generate returns a hex plaintext token for the user and its sha256 hex
// digest for storage.
func (g *TokenGenerator) Generate() (token, digest string, err error) {
	const op = "auth.TokenGenerator.Generate"

	buf := make([]byte, ResetTokenBytes)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	token = hex.EncodeToString(buf)

	return token, g.Digest(token), nil
}

// Digest is deterministic so stored digests can be matched by equality.
func (g *TokenGenerator) Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
