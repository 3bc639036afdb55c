package fhir

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestAuthFromCredentials(t *testing.T) {
	if _, ok := AuthFromCredentials("", "", "").(NoAuth); !ok {
		t.Error("expected NoAuth without credentials")
	}
	if a, ok := AuthFromCredentials("user", "pw", "").(BasicAuth); !ok || a.User != "user" || a.Password != "pw" {
		t.Errorf("expected BasicAuth, got %#v", a)
	}
	if a, ok := AuthFromCredentials("user", "pw", "tok").(BearerToken); !ok || a.Token != "tok" {
		t.Errorf("expected BearerToken to win, got %#v", a)
	}
}

func TestAuth_Apply(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	t.Run("none", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
		if err := (NoAuth{}).apply(req, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.Header.Get("Authorization") != "" {
			t.Error("expected no Authorization header")
		}
	})

	t.Run("basic", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
		if err := (BasicAuth{User: "u", Password: "p"}).apply(req, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		u, p, ok := req.BasicAuth()
		if !ok || u != "u" || p != "p" {
			t.Errorf("expected basic credentials, got %q %q %v", u, p, ok)
		}
	})

	t.Run("opaque bearer", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
		if err := (BearerToken{Token: "opaque"}).apply(req, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer opaque" {
			t.Errorf("expected 'Bearer opaque', got %q", got)
		}
	})

	t.Run("valid jwt", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"sub": "svc", "exp": now.Add(time.Hour).Unix()})
		req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
		if err := (BearerToken{Token: tok}).apply(req, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer "+tok {
			t.Errorf("expected bearer header, got %q", got)
		}
	})

	t.Run("expired jwt", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"sub": "svc", "exp": now.Add(-time.Minute).Unix()})
		req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
		err := (BearerToken{Token: tok}).apply(req, now)
		if !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("expected ErrTokenExpired, got %v", err)
		}
		if req.Header.Get("Authorization") != "" {
			t.Error("expected no header for expired token")
		}
	})

	t.Run("jwt without exp", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"sub": "svc"})
		req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
		if err := (BearerToken{Token: tok}).apply(req, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
