// Package auth implements room-password hashing and reconnect identity
// tickets. There are no user accounts here, so neither piece carries a
// username, email, or account id.
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is deliberately low: a room password gates casual entry to
// a watch party, not an account, and join latency matters more than
// brute-force resistance here.
const bcryptCost = 4

// HashPassword hashes plain with bcrypt, for a room created with
// IS_ENCRYPTED_PASSWORD=true.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether provided matches the bcrypt hash
// stored. Constant-time by virtue of bcrypt's own comparison.
func VerifyPassword(stored, provided string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(provided)) == nil
}
