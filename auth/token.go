package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload carried by the opaque bearer tokens the user store
// issues. PushHub never inspects these fields directly; it only calls the
// user store's ResolveToken, which parses and validates a token through
// Signer.Validate before handing back the user id.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Signer mints and validates bearer tokens with a fixed secret.
type Signer struct {
	secret []byte
	issuer string
}

// NewSigner constructs a Signer. An empty secret is rejected by the caller
// (config.Validate requires JWT_SECRET in production); in development an
// explicit placeholder keeps local runs reproducible.
func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = "dev-only-impulse-screener-secret"
	}
	return &Signer{secret: []byte(secret), issuer: "impulse-screener"}
}

// Issue creates a long-lived bearer token for userID. The user store calls
// this from CreateUser; nothing else mints tokens.
func (s *Signer) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    s.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses tokenString and returns the user id it carries.
func (s *Signer) Validate(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrSignatureInvalid
	}
	return claims.UserID, nil
}
