// Package crypto provides the tunnel's key agreement and record cipher.
// It uses X25519 for the ephemeral key exchange and ChaCha20-Poly1305 for
// record encryption with sequence-derived nonces.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16
)

// ErrDecrypt is returned when record authentication fails. Any occurrence is
// fatal to the session carrying the record.
var ErrDecrypt = errors.New("record authentication failed")

// GenerateEphemeralKey generates a new ephemeral X25519 keypair for a single
// handshake. The private scalar should be discarded once the shared secret
// is derived.
func GenerateEphemeralKey() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// DeriveSecret performs X25519 Diffie-Hellman and returns the raw 32-byte
// agreed secret. The secret is used directly as the symmetric key for both
// directions. Nonces depend only on the sequence number, so record n in one
// direction and record n in the other are sealed under the same key and
// nonce; a hardened scheme would split per-direction keys through a KDF.
func DeriveSecret(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	// Check for low-order points (all zeros public key is invalid)
	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// Cipher seals and opens records with ChaCha20-Poly1305. The nonce for
// sequence s is LE64(s) followed by four zero bytes, so a cipher instance
// must never see the same sequence twice.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates an AEAD context from a derived secret.
func NewCipher(key [KeySize]byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under the given sequence number and returns
// ciphertext with the 16-byte tag appended.
func (c *Cipher) Seal(seq uint64, plaintext []byte) []byte {
	nonce := buildNonce(seq)
	out := make([]byte, 0, len(plaintext)+TagSize)
	return c.aead.Seal(out, nonce[:], plaintext, nil)
}

// Open verifies and decrypts a sealed record under the given sequence
// number. The plaintext is TagSize bytes shorter than the input.
func (c *Cipher) Open(seq uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrDecrypt, len(ciphertext))
	}

	nonce := buildNonce(seq)
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// buildNonce derives the 12-byte nonce for a sequence number:
// LE64(seq) || 0x00 0x00 0x00 0x00.
func buildNonce(seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], seq)
	return nonce
}

// ZeroKey zeroes out key material so ephemeral secrets do not linger in
// memory after the handshake.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
