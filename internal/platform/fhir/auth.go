package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth is the authentication applied to every request sent to the FHIR
// server. It is one of NoAuth, BasicAuth or BearerToken.
type Auth interface {
	apply(req *http.Request, now time.Time) error
	// Kind names the variant for logging.
	Kind() string
}

// NoAuth sends requests without credentials.
type NoAuth struct{}

// BasicAuth sends HTTP basic credentials.
type BasicAuth struct {
	User     string
	Password string
}

// BearerToken sends an Authorization: Bearer header.
type BearerToken struct {
	Token string
}

// ErrTokenExpired is returned when a bearer token is a JWT whose exp claim
// has passed.
var ErrTokenExpired = errors.New("bearer token expired")

func (NoAuth) apply(*http.Request, time.Time) error { return nil }
func (NoAuth) Kind() string                          { return "none" }

func (a BasicAuth) apply(req *http.Request, _ time.Time) error {
	req.SetBasicAuth(a.User, a.Password)
	return nil
}

func (BasicAuth) Kind() string { return "basic" }

func (a BearerToken) apply(req *http.Request, now time.Time) error {
	if exp, ok := tokenExpiry(a.Token); ok && !now.Before(exp) {
		return fmt.Errorf("expired at %s: %w", exp.Format(time.RFC3339), ErrTokenExpired)
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

func (BearerToken) Kind() string { return "bearer" }

// tokenExpiry reads the exp claim of a JWT without verifying its signature.
// Opaque tokens report no expiry.
func tokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// AuthFromCredentials picks the variant for the configured credentials: a
// token wins over a user name, and neither means no authentication.
func AuthFromCredentials(user, password, token string) Auth {
	switch {
	case token != "":
		return BearerToken{Token: token}
	case user != "":
		return BasicAuth{User: user, Password: password}
	default:
		return NoAuth{}
	}
}
