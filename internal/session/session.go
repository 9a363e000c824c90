package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

// Session is the identity the synchronizer runs as. It is supplied by the
// caller on login and discarded on logout; the synchronizer never mutates it.
type Session struct {
	UserId     string
	Credential string
	expiresAt  time.Time
}

// New builds a session from a user id and an auth credential. If the user id
// is empty but the credential parses as a token, the token's user-id claim
// fills it in.
func New(userId, credential string) Session {
	s := Session{
		UserId:     userId,
		Credential: credential,
	}

	if credential == "" {
		return s
	}

	claimUserId, expiresAt, err := ParseCredential(credential)
	if err != nil {
		// An opaque credential is still usable for connecting, it just
		// carries no claims the client can read.
		return s
	}

	if s.UserId == "" {
		s.UserId = claimUserId
	}
	s.expiresAt = expiresAt

	return s
}

// CanConnect reports whether the session carries everything a live
// connection requires. A missing user id or credential means auth has not
// hydrated yet and connection attempts are skipped.
func (s Session) CanConnect() bool {
	return s.UserId != "" && s.Credential != ""
}

// Expired reports whether the credential's exp claim has passed. Opaque
// credentials without a readable expiry never report expired.
func (s Session) Expired(now time.Time) bool {
	if s.expiresAt.IsZero() {
		return false
	}

	return now.After(s.expiresAt)
}

// ParseCredential extracts the user-id and exp claims from a token without
// verifying its signature. The client holds no signing key; verification is
// the server's job, the client only needs the claims for display and for
// deciding whether connecting is worthwhile.
func ParseCredential(credential string) (string, time.Time, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(credential, jwt.MapClaims{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid user id claim")
	}

	var expiresAt time.Time
	if exp, ok := claims[expClaim].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0)
	}

	return userId, expiresAt, nil
}
