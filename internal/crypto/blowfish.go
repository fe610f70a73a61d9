// Package crypto wraps the Blowfish cipher used by the Propeller
// Arena authentication handshake.
package crypto

import (
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// BlowfishCipher applies Blowfish in ECB mode over 8-byte blocks whose
// halves are big-endian words, matching the Dreamcast client.
type BlowfishCipher struct {
	cipher *blowfish.Cipher
}

// NewBlowfishCipher creates a cipher from a 1 to 56 byte key.
func NewBlowfishCipher(key []byte) (*BlowfishCipher, error) {
	c, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating blowfish cipher: %w", err)
	}
	return &BlowfishCipher{cipher: c}, nil
}

// Encrypt encrypts size bytes in place starting at offset. Size must
// be a multiple of 8.
func (b *BlowfishCipher) Encrypt(data []byte, offset, size int) error {
	if size%8 != 0 {
		return fmt.Errorf("blowfish encrypt: size %d is not a multiple of 8", size)
	}
	if offset+size > len(data) {
		return fmt.Errorf("blowfish encrypt: offset %d + size %d exceeds data length %d", offset, size, len(data))
	}
	for i := offset; i < offset+size; i += 8 {
		b.cipher.Encrypt(data[i:i+8], data[i:i+8])
	}
	return nil
}

// Decrypt decrypts size bytes in place starting at offset. Size must
// be a multiple of 8.
func (b *BlowfishCipher) Decrypt(data []byte, offset, size int) error {
	if size%8 != 0 {
		return fmt.Errorf("blowfish decrypt: size %d is not a multiple of 8", size)
	}
	if offset+size > len(data) {
		return fmt.Errorf("blowfish decrypt: offset %d + size %d exceeds data length %d", offset, size, len(data))
	}
	for i := offset; i < offset+size; i += 8 {
		b.cipher.Decrypt(data[i:i+8], data[i:i+8])
	}
	return nil
}
