// ABOUTME: JWT verification for operator and end-user identities
// ABOUTME: HS256 tokens carrying sub, name, role and super_admin claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier turns a bearer token into a Principal.
type TokenVerifier interface {
	Verify(tokenString string) (*Principal, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. The secret must be at least MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

type claims struct {
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	SuperAdmin bool   `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// Verify validates the token and extracts the principal. A token without a
// role claim identifies an operator.
func (v *JWTVerifier) Verify(tokenString string) (*Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if c.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	role := Role(c.Role)
	switch role {
	case "":
		role = RoleOperator
	case RoleOperator, RoleUser:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}

	return &Principal{
		ID:         c.Subject,
		Name:       c.Name,
		Role:       role,
		SuperAdmin: c.SuperAdmin && role == RoleOperator,
	}, nil
}

// Generate signs a token for p that expires after expiresIn.
func (v *JWTVerifier) Generate(p Principal, expiresIn time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Name:       p.Name,
		Role:       string(p.Role),
		SuperAdmin: p.SuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
