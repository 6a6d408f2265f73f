// Package auth issues and verifies bearer tokens identifying content owners. Account management lives
// outside linkvault; any service sharing the signing secret can mint tokens for its users.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
)

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Issuer signs and parses HS256 tokens with a shared secret
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token identifying userID
func (i *Issuer) Issue(userID string) (string, *se.Err) {
	if userID == "" {
		return "", se.NewBadInput("user id must not be empty")
	}
	now := i.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", se.NewServiceFailure("error signing token").WithCause(err)
	}
	return tok, nil
}

// Parse validates raw and returns the user it identifies
func (i *Issuer) Parse(raw string) (*md.User, *se.Err) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, se.NewForbidden("invalid token").WithCause(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, se.NewForbidden("invalid token claims")
	}
	return &md.User{ID: claims.UserID}, nil
}

// BearerToken extracts the token from an Authorization header value. It returns empty string if the
// header does not carry a bearer token.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
