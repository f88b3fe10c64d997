package auth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ClientAssertionType is the RFC 7523 assertion type sent with introspection.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const assertionTTL = time.Hour

// AssertionSigner mints RS256 client assertions for the configured application key.
type AssertionSigner struct {
	key      *rsa.PrivateKey
	keyID    string
	clientID string
	audience string
	now      func() time.Time
}

// NewAssertionSigner parses cfg.Key and binds it to the provider audience.
func NewAssertionSigner(cfg JWTConfig, audience string) (*AssertionSigner, error) {
	key, err := ParseSigningKey(cfg.Key)
	if err != nil {
		return nil, err
	}
	return &AssertionSigner{
		key:      key,
		keyID:    cfg.KeyID,
		clientID: cfg.ClientID,
		audience: audience,
		now:      time.Now,
	}, nil
}

// Sign returns a fresh assertion valid for one hour.
func (s *AssertionSigner) Sign() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.audience,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign client assertion: %w", err)
	}
	return signed, nil
}

// ParseSigningKey accepts an RSA private key as PEM (PKCS#1 or PKCS#8) or as
// a JWK document.
func ParseSigningKey(raw string) (*rsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("auth: empty signing key")
	}

	if strings.HasPrefix(trimmed, "{") {
		var jwk jose.JSONWebKey
		if err := json.Unmarshal([]byte(trimmed), &jwk); err != nil {
			return nil, fmt.Errorf("auth: parse jwk: %w", err)
		}
		key, ok := jwk.Key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: jwk is not an RSA private key")
		}
		return key, nil
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(trimmed))
	if err != nil {
		return nil, fmt.Errorf("auth: parse pem: %w", err)
	}
	return key, nil
}
