// Package auth implements the §4.4 authentication engine: PBKDF2-SHA512
// password hashing, a random nonce, and an HMAC-MD5 challenge/response
// proof. MD5 is mandated by the wire protocol's bit-exact compatibility
// requirement (SPEC_FULL.md, Open Question #3) — it is not a recommendation
// for new protocols.
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // wire-protocol compatibility requirement, see package doc
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = sha512.Size
	nonceSize        = 64
)

// DeriveKey computes the PBKDF2-SHA512 password hash used both as the
// server's stored credential and as the client's HMAC key. The salt is the
// lowercased account name, per §3.
func DeriveKey(accountName, password string) []byte {
	salt := []byte(strings.ToLower(accountName))
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
}

// NewNonce returns 64 random bytes for a fresh challenge (§4.4 step 3).
func NewNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return nonce, nil
}

// EncodeNonce hex-encodes a nonce for wire transmission.
func EncodeNonce(nonce []byte) string { return hex.EncodeToString(nonce) }

// DecodeNonce parses the hex-encoded nonce carried in a 511 challenge frame.
func DecodeNonce(hexNonce string) ([]byte, error) {
	nonce, err := hex.DecodeString(hexNonce)
	if err != nil {
		return nil, fmt.Errorf("auth: decode nonce: %w", err)
	}
	return nonce, nil
}

// Proof computes HMAC-MD5(key, nonce), the value both sides compute and
// compare during the handshake (§4.4 step 4).
func Proof(key, nonce []byte) []byte {
	mac := hmac.New(md5.New, key)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// EncodeProof base64-encodes a proof for wire transmission.
func EncodeProof(proof []byte) string { return base64.StdEncoding.EncodeToString(proof) }

// DecodeProof parses the base64-encoded proof carried in a client's 511
// response frame.
func DecodeProof(b64 string) ([]byte, error) {
	proof, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode proof: %w", err)
	}
	return proof, nil
}

// ConstantTimeEqual reports whether two proofs match without leaking timing
// information proportional to the matching prefix length (§8: the
// constant-time-compare testable property).
func ConstantTimeEqual(a, b []byte) bool {
	// Both operands are fixed-size MD5 digests in every real call path, so
	// the length check never depends on secret data.
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
