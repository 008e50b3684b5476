// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, claim mapping, invalid tokens and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func mustVerifier(t *testing.T, secret []byte) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(secret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret)

	want := Principal{ID: "admin-1", Name: "Alice", Role: RoleOperator, SuperAdmin: true}
	token, err := verifier.Generate(want, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if *got != want {
		t.Errorf("Verify() = %+v, want %+v", *got, want)
	}
}

func TestJWTVerifier_RoleDefaultsAndSuperAdminForUsers(t *testing.T) {
	verifier := mustVerifier(t, testSecret)

	token, _ := verifier.Generate(Principal{ID: "admin-2"}, time.Hour)
	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", got.Role, RoleOperator)
	}

	token, _ = verifier.Generate(Principal{ID: "user-1", Role: RoleUser, SuperAdmin: true}, time.Hour)
	got, err = verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.SuperAdmin {
		t.Error("users must never be super-admins")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret)
	other := mustVerifier(t, []byte("a-completely-different-secret-32"))

	wrongSecret, _ := other.Generate(Principal{ID: "admin-1"}, time.Hour)
	noSubject, _ := verifier.Generate(Principal{}, time.Hour)
	badRole, _ := verifier.Generate(Principal{ID: "x", Role: "robot"}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty token", "", ErrInvalidToken},
		{"garbage token", "not-a-jwt-token", ErrInvalidToken},
		{"malformed JWT", "header.payload.signature", ErrInvalidToken},
		{"wrong secret", wrongSecret, ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
		{"missing sub", noSubject, ErrMissingClaim},
		{"unknown role", badRole, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret)

	token, err := verifier.Generate(Principal{ID: "admin-1"}, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}
