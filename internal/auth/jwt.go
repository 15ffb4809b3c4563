// Package auth is the credential verifier at the session fabric's
// handshake boundary. It does not issue tokens, register users, or manage
// sessions; that lifecycle lives outside this service. It only answers one
// question: does this token name a valid user, and if so, which one.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// AccessTokenClaims mirrors the shape issued by the identity provider this
// server treats as an external collaborator.
type AccessTokenClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Verifier checks access tokens presented at WebSocket handshake time.
type Verifier struct {
	secret []byte
}

func NewVerifier(accessSecret string) *Verifier {
	return &Verifier{secret: []byte(accessSecret)}
}

// VerifyToken returns the stable user identifier carried by a valid,
// unexpired access token, or an error. It never blocks on the network;
// handshake verification is local HMAC validation only.
func (v *Verifier) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// mintForTests builds a signed token for a user id; exercised only by this
// package's own tests and by integration tests that need a real handshake
// token without standing up the external identity provider.
func mintForTests(secret, userID string, ttl time.Duration) (string, error) {
	claims := AccessTokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
