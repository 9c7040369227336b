// Package signing issues the HMAC tokens that authorize writes to an upload
// session's multipart handle.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid upload token")
	ErrExpiredToken = errors.New("upload token expired")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature binding sessionID to an expiry.
func (s *Signer) Sign(sessionID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", sessionID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected.
func (s *Signer) Validate(sessionID, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(sessionID, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Issue returns a token of the form "<expires>.<signature>" valid for ttl.
func (s *Signer) Issue(sessionID string, ttl time.Duration) string {
	exp := s.now().Add(ttl).Unix()
	return strconv.FormatInt(exp, 10) + "." + s.Sign(sessionID, exp)
}

// Verify checks a token produced by Issue.
func (s *Signer) Verify(sessionID, token string) error {
	expires, sig, ok := strings.Cut(token, ".")
	if !ok || !s.Validate(sessionID, expires, sig) {
		return ErrInvalidToken
	}
	exp, _ := strconv.ParseInt(expires, 10, 64)
	if s.now().Unix() > exp {
		return ErrExpiredToken
	}
	return nil
}
