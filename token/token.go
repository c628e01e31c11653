// Package token issues and verifies one-time credentials such as
// registration and password-reset tokens.
//
// Only the keyed hash of a token and its issue time are ever stored. The
// plaintext is handed to the caller once, typically to be mailed to the
// user, and is checked later with Verify.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Size is the number of random bytes in a token.
const Size = 32

// ErrNoSecret is returned by NewIssuer when the hashing secret is empty.
var ErrNoSecret = errors.New("edjab: token secret must not be empty")

// Token is a freshly issued credential.
type Token struct {
	// Plaintext goes to the user and is never stored.
	Plaintext string
	// Hash is what the record keeps.
	Hash     string
	IssuedAt time.Time
}

// Issuer creates and verifies tokens with one secret.
// It is safe for concurrent use.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer returns an Issuer keyed by secret.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Now returns the issuer's current time in UTC.
func (i *Issuer) Now() time.Time {
	return i.now().UTC()
}

// Issue generates a new random token.
func (i *Issuer) Issue() (Token, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, err
	}
	plain := base64.RawURLEncoding.EncodeToString(buf)
	return Token{
		Plaintext: plain,
		Hash:      i.Hash(plain),
		IssuedAt:  i.Now(),
	}, nil
}

// Hash returns the hex HMAC-SHA256 of plaintext.
func (i *Issuer) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether candidate matches storedHash and the token is no
// older than maxAge. A blank stored hash, as left behind once a token has
// been used, never verifies. A zero maxAge disables the age check.
func (i *Issuer) Verify(storedHash string, issuedAt time.Time, candidate string, maxAge time.Duration) bool {
	storedHash = strings.TrimSpace(storedHash)
	if storedHash == "" || candidate == "" {
		return false
	}
	want, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(candidate))
	match := hmac.Equal(want, mac.Sum(nil))

	fresh := true
	if maxAge > 0 {
		if issuedAt.IsZero() {
			fresh = false
		} else {
			fresh = i.now().Sub(issuedAt) <= maxAge
		}
	}
	return match && fresh
}
