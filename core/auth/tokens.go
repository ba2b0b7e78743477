package auth

import (
	"errors"
	"fmt"
	"time"

	"incidentdesk/core/store"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "incidentdesk"

var ErrInvalidToken = errors.New("invalid token")

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs bearer tokens bound to a stored session. Revoking the
// session revokes the token.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	if secret == "" {
		return nil
	}
	return &TokenIssuer{secret: []byte(secret)}
}

func (t *TokenIssuer) Issue(sess *store.SessionRecord) (string, error) {
	if t == nil {
		return "", errors.New("bearer tokens disabled")
	}
	claims := sessionClaims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse validates the signature and expiry and returns the session id and subject.
func (t *TokenIssuer) Parse(raw string) (string, string, error) {
	if t == nil {
		return "", "", ErrInvalidToken
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.SessionID, claims.Subject, nil
}
