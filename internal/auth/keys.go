// Package auth implements API key credentials and the subscription tier
// catalog. Keys are bearer tokens of the form sk_live_<43 url-safe chars>;
// only a bcrypt hash is stored, with a short prefix column to keep the
// verify path off a full table scan.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	keyScheme = "sk_live_"

	// bcryptCost 12 keeps a single verification around a few hundred ms,
	// slow enough to make offline guessing impractical.
	bcryptCost = 12

	// prefixLen is how many characters of the random part are stored in
	// clear for indexed lookup.
	prefixLen = 8
)

// ErrInvalidKey covers malformed and unmatched credentials alike, so the
// error message cannot be used to enumerate keys.
var ErrInvalidKey = errors.New("invalid API key")

// GenerateKey mints a credential. It returns the plaintext (shown to the
// user exactly once), the bcrypt hash, and the lookup prefix to persist.
func GenerateKey() (plain, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}
	plain = keyScheme + base64.RawURLEncoding.EncodeToString(raw)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash key: %w", err)
	}
	return plain, string(hashed), KeyPrefix(plain), nil
}

// KeyPrefix extracts the indexed lookup prefix from a presented key. It
// returns "" for keys too short or of the wrong scheme, which can never
// match a stored prefix.
func KeyPrefix(plain string) string {
	if !strings.HasPrefix(plain, keyScheme) {
		return ""
	}
	random := plain[len(keyScheme):]
	if len(random) < prefixLen {
		return ""
	}
	return random[:prefixLen]
}

// ValidFormat reports whether a presented credential is even worth a
// database round trip.
func ValidFormat(plain string) bool {
	return strings.HasPrefix(plain, keyScheme) &&
		len(plain) == len(keyScheme)+43
}

// VerifyKey compares a presented key against a stored bcrypt hash in
// constant time.
func VerifyKey(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
