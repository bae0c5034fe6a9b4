// Package auth provides a reference Authenticator the transport layer
// consults before routing a connection to a document. The sync engine
// itself never imports this package: per the engine's contract, a bearer
// token and a document id go in, Allow or Deny comes out, and the engine
// holds no opinion on how that decision is made.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	zxcvbn "github.com/ccojocar/zxcvbn-go"
)

// weakTokenScoreThreshold mirrors the strength floor used elsewhere for
// operator-supplied secrets: below this zxcvbn score, IsWeakToken flags the
// key, and the server still accepts it but logs a warning rather than
// refusing it outright.
const weakTokenScoreThreshold = 3

// keySize is the HMAC key length in bytes.
const keySize = 32

// Authenticator verifies bearer tokens presented by clients connecting to
// a specific document. A token is valid for a document if it equals the
// HMAC-SHA256 of the document id under the authenticator's private key, or
// if it is the master ServerToken.
type Authenticator struct {
	key []byte
}

// GenerateKey creates a new Authenticator with a fresh random private key.
func GenerateKey() (*Authenticator, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: generate key: %w", err)
	}
	return &Authenticator{key: key}, nil
}

// New constructs an Authenticator from a previously generated private key
// in the string form PrivateKey returns (base64url, unpadded).
func New(privateKey string) (*Authenticator, error) {
	key, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("auth: decode private key: %w", err)
	}
	if len(key) != keySize {
		return nil, errors.New("auth: private key has wrong length")
	}
	return &Authenticator{key: key}, nil
}

// PrivateKey returns the key in the operator-facing form suitable for
// passing to New (e.g. via a --auth flag or an env var).
func (a *Authenticator) PrivateKey() string {
	return base64.RawURLEncoding.EncodeToString(a.key)
}

// ServerToken returns the credential clients embed in their connection URL
// to authenticate to this server: a master token printed alongside the
// private key at gen-auth time.
func (a *Authenticator) ServerToken() string {
	return a.PrivateKey()
}

// SignDocToken issues a bearer token scoped to docID: a client presenting
// this token for this specific document id is allowed. Operators mint
// these out-of-band (e.g. from an app server) and hand them to clients.
func (a *Authenticator) SignDocToken(docID string) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(docID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Allow reports whether token authorizes a connection to docID: the master
// server token always allows any document; otherwise the token must match
// the per-document signature SignDocToken produces.
func (a *Authenticator) Allow(token, docID string) bool {
	if token == "" {
		return false
	}
	if hmac.Equal([]byte(token), []byte(a.ServerToken())) {
		return true
	}
	return hmac.Equal([]byte(token), []byte(a.SignDocToken(docID)))
}

// IsWeakToken reports whether an operator-supplied private key (e.g. typed
// in by hand rather than produced by GenerateKey) scores below the
// strength floor. This only warns; it never rejects a key, matching the
// upstream convention of advising rather than enforcing.
func IsWeakToken(privateKey string) bool {
	if privateKey == "" {
		return false
	}
	return zxcvbn.PasswordStrength(privateKey, nil).Score < weakTokenScoreThreshold
}
