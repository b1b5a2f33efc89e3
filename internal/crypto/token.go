package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// PATPrefix marks opaque personal access tokens so the auth middleware can
// tell them apart from JWT bearer tokens.
const PATPrefix = "pat_"

// NewDeviceCode returns a 256-bit random code. It is the bearer secret a
// polling client holds for the lifetime of a pairing attempt.
func NewDeviceCode() (string, error) {
	return randomToken(32)
}

// NewUserCode returns an 8-character uppercase hex code. It is deliberately
// low-entropy (human-typable) and must only live behind a short TTL and a
// rate limit.
func NewUserCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

func NewPersonalAccessToken() (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	return PATPrefix + token, nil
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
