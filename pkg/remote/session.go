package remote

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrNoExpiry is returned for session tokens that don't carry an expiry,
// including opaque tokens that aren't JWTs.
var ErrNoExpiry = errors.New("session token has no expiry")

// SessionExpiry reads the expiry of a JWT session token. The signature isn't
// checked; the platform verifies the token on every request.
func SessionExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, errors.Wrap(ErrNoExpiry, err.Error())
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// SessionExpired reports whether the session token expired before now.
// Tokens without an expiry never expire here.
func SessionExpired(token string, now time.Time) bool {
	exp, err := SessionExpiry(token)
	return err == nil && !exp.After(now)
}
