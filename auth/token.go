// Package auth implements the time-windowed bearer token scheme used between
// the mobile app and this service. Tokens are not stored server-side: a token
// is a keyed digest over (userID, issuedAt, expiresAt) and verification
// recomputes the digest for every minute-aligned issuance candidate inside
// the validity window. That costs ~60 digests per verification, which is
// acceptable at this service's request rate.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Validity is how long an issued token remains verifiable.
const Validity = time.Hour

// TokenVerifier is what the HTTP layer depends on, so the windowed-digest
// scheme can later be swapped for a self-contained token format.
type TokenVerifier interface {
	Verify(userID, token string) bool
}

type TokenIssuer interface {
	Issue(userID string) (token string, expiresAt time.Time)
}

type Scheme struct {
	secret []byte
	now    func() time.Time
}

func NewScheme(secret string) *Scheme {
	return &Scheme{secret: []byte(secret), now: time.Now}
}

func (s *Scheme) digest(userID string, issuedAt, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d:%d", userID, issuedAt.Unix(), expiresAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a token for userID valid for the next hour. The issuance
// instant is truncated to the minute so Verify can reconstruct it.
func (s *Scheme) Issue(userID string) (string, time.Time) {
	issuedAt := s.now().Truncate(time.Minute)
	expiresAt := issuedAt.Add(Validity)
	return s.digest(userID, issuedAt, expiresAt), expiresAt
}

// Verify checks token against every minute-aligned issuance candidate in the
// past hour, inclusive. Candidates already past their expiry are skipped, so
// a token stops verifying once its window closes.
func (s *Scheme) Verify(userID, token string) bool {
	if token == "" {
		return false
	}
	now := s.now()
	newest := now.Truncate(time.Minute)
	buckets := int(Validity / time.Minute)
	for i := 0; i <= buckets; i++ {
		issuedAt := newest.Add(-time.Duration(i) * time.Minute)
		expiresAt := issuedAt.Add(Validity)
		if expiresAt.Before(now) {
			continue
		}
		if hmac.Equal([]byte(s.digest(userID, issuedAt, expiresAt)), []byte(token)) {
			return true
		}
	}
	return false
}
