package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Introspection is the RFC 7662 response of the provider. Optional profile
// claims stay nil when the provider omits them or sends an unexpected type.
type Introspection struct {
	Active            bool
	Subject           string
	Expiry            int64
	Username          *string
	Name              *string
	FamilyName        *string
	GivenName         *string
	PreferredUsername *string
	Email             *string
	EmailVerified     *bool
	UpdatedAt         *int64

	// Raw holds every claim as returned by the provider.
	Raw map[string]any
}

// parseIntrospection fails only when the body is not a JSON object or one of
// active, sub and exp has the wrong type.
func parseIntrospection(body []byte) (*Introspection, error) {
	var head struct {
		Active  bool   `json:"active"`
		Subject string `json:"sub"`
		Expiry  int64  `json:"exp"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("auth: decode introspection: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("auth: decode introspection claims: %w", err)
	}
	return &Introspection{
		Active:            head.Active,
		Subject:           head.Subject,
		Expiry:            head.Expiry,
		Username:          stringClaim(raw, "username"),
		Name:              stringClaim(raw, "name"),
		FamilyName:        stringClaim(raw, "family_name"),
		GivenName:         stringClaim(raw, "given_name"),
		PreferredUsername: stringClaim(raw, "preferred_username"),
		Email:             stringClaim(raw, "email"),
		EmailVerified:     boolClaim(raw, "email_verified"),
		UpdatedAt:         intClaim(raw, "updated_at"),
		Raw:               raw,
	}, nil
}

func stringClaim(claims map[string]any, name string) *string {
	if v, ok := claims[name].(string); ok {
		return &v
	}
	return nil
}

// boolClaim also accepts "true" and "false" strings, which some providers emit.
func boolClaim(claims map[string]any, name string) *bool {
	switch v := claims[name].(type) {
	case bool:
		return &v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return &b
		}
	}
	return nil
}

func intClaim(claims map[string]any, name string) *int64 {
	if v, ok := claims[name].(float64); ok && v == math.Trunc(v) {
		n := int64(v)
		return &n
	}
	return nil
}

// User is the normalized identity of a Session.
type User struct {
	ID                string  `json:"id"`
	Username          *string `json:"username,omitempty"`
	Name              *string `json:"name,omitempty"`
	FamilyName        *string `json:"family_name,omitempty"`
	GivenName         *string `json:"given_name,omitempty"`
	PreferredUsername *string `json:"preferred_username,omitempty"`
	Email             *string `json:"email,omitempty"`
	EmailVerified     *bool   `json:"email_verified,omitempty"`
	UpdatedAt         *int64  `json:"updated_at,omitempty"`
}

// Session is resolved on every request that carries an active access token.
type Session struct {
	User        User           `json:"user"`
	ExpiresAt   int64          `json:"expires_at"`
	AccessToken string         `json:"access_token"`
	Info        map[string]any `json:"info"`
}

// NewSession projects an active introspection result into a Session.
func NewSession(accessToken string, in *Introspection) *Session {
	return &Session{
		User: User{
			ID:                in.Subject,
			Username:          in.Username,
			Name:              in.Name,
			FamilyName:        in.FamilyName,
			GivenName:         in.GivenName,
			PreferredUsername: in.PreferredUsername,
			Email:             in.Email,
			EmailVerified:     in.EmailVerified,
			UpdatedAt:         in.UpdatedAt,
		},
		ExpiresAt:   in.Expiry,
		AccessToken: accessToken,
		Info:        in.Raw,
	}
}

type sessionKey struct{}

// WithSession stores s on ctx. A nil session leaves ctx unchanged.
func WithSession(ctx context.Context, s *Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session resolved for the current request.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
