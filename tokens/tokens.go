// Package tokens issues and verifies the short-lived session tokens the
// gateway hands out to authenticated callers. Tokens are stateless: the
// gateway keeps no record of them, so revocation means rotating the
// signing secret or waiting out the expiry window.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrExpired   = errors.New("token expired")
	ErrMalformed = errors.New("token malformed")
	ErrSignature = errors.New("token signature invalid")
)

// Codec is the signed token scheme the auth layer depends on. The
// concrete signature algorithm stays behind this interface so swapping
// it never touches the request path.
type Codec interface {
	Issue(subject string) (token string, expiresAt time.Time, err error)
	Verify(token string) (subject string, err error)
}

type hmacCodec struct {
	secret   []byte
	ttl      time.Duration
	timeFunc func() time.Time
}

// NewHMAC returns a Codec signing HS256 JWTs with the given secret.
func NewHMAC(secret []byte, ttl time.Duration) Codec {
	return &hmacCodec{
		secret:   secret,
		ttl:      ttl,
		timeFunc: time.Now,
	}
}

func (c *hmacCodec) Issue(subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("subject must be set")
	}

	now := c.timeFunc()
	expiresAt := now.Add(c.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.New().String(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("could not sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (c *hmacCodec) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return c.secret, nil
		},
		jwt.WithTimeFunc(c.timeFunc),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", ErrSignature
		default:
			return "", ErrMalformed
		}
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrMalformed
	}
	return claims.Subject, nil
}
