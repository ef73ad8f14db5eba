// Package crypto holds the message-security primitives used by secure
// sessions: AES-128-CCM and HKDF-SHA256 session key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
)

const (
	// SymmetricKeySize is the AES-128 key length.
	SymmetricKeySize = 16

	// NonceSize is the AEAD nonce length.
	NonceSize = 13

	// MICSize is the AEAD tag length.
	MICSize = 16
)

var ErrInvalidKeySize = errors.New("crypto: key must be 16 bytes")

// NewAESCCM returns an AES-128-CCM AEAD with a 13-byte nonce and a
// 16-byte tag. Seal appends the tag to the ciphertext.
func NewAESCCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	aead, err := ccm.NewCCM(block, MICSize, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return aead, nil
}

// Nonce builds the message nonce: the security flags byte, the message
// counter and the source node id, both little-endian. PASE sessions use
// node id 0.
func Nonce(securityFlags uint8, counter uint32, sourceNodeID uint64) []byte {
	n := make([]byte, NonceSize)
	n[0] = securityFlags
	binary.LittleEndian.PutUint32(n[1:], counter)
	binary.LittleEndian.PutUint64(n[5:], sourceNodeID)
	return n
}
