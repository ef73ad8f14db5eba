package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var sessionKeysInfo = []byte("SessionKeys")

// SessionKeys are the three keys a secure session derives from its shared
// secret. I2R encrypts messages sent by the session initiator, R2I those
// sent by the responder.
type SessionKeys struct {
	I2R                  [SymmetricKeySize]byte
	R2I                  [SymmetricKeySize]byte
	AttestationChallenge [SymmetricKeySize]byte
}

// HKDFSHA256 expands inputKey into length bytes.
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, inputKey, salt, info), out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return out, nil
}

// DeriveSessionKeys splits the "SessionKeys" expansion of secret into the
// I2R, R2I and attestation challenge keys, in that order.
func DeriveSessionKeys(secret, salt []byte) (SessionKeys, error) {
	var keys SessionKeys
	okm, err := HKDFSHA256(secret, salt, sessionKeysInfo, 3*SymmetricKeySize)
	if err != nil {
		return keys, err
	}
	copy(keys.I2R[:], okm[:16])
	copy(keys.R2I[:], okm[16:32])
	copy(keys.AttestationChallenge[:], okm[32:])
	return keys, nil
}
