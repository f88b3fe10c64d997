package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// unreservedChars is the RFC 3986 unreserved set.
const unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// Bytes at or above this value are rejected so that b % len(unreservedChars)
// stays uniform.
const unreservedCutoff = 256 - 256%len(unreservedChars)

// State and verifier lengths used by the flow controller.
const (
	stateLength    = 32
	verifierLength = 128
)

// RandomString returns n characters drawn uniformly from the unreserved URI
// alphabet using crypto/rand.
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("auth: read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= unreservedCutoff {
				continue
			}
			out = append(out, unreservedChars[int(b)%len(unreservedChars)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// CodeChallenge derives the PKCE S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
