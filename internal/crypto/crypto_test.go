package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateEphemeralKey(t *testing.T) {
	priv, pub, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("GenerateEphemeralKey() error = %v", err)
	}

	var zero [KeySize]byte
	if priv == zero {
		t.Error("private key is all zeros")
	}
	if pub == zero {
		t.Error("public key is all zeros")
	}

	// Clamping per X25519
	if priv[0]&7 != 0 {
		t.Error("low bits of private key not cleared")
	}
	if priv[31]&128 != 0 {
		t.Error("high bit of private key not cleared")
	}
	if priv[31]&64 == 0 {
		t.Error("second-highest bit of private key not set")
	}

	// Two generations must differ
	_, pub2, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatal(err)
	}
	if pub == pub2 {
		t.Error("two ephemeral keypairs produced the same public key")
	}
}

func TestDeriveSecret_Agreement(t *testing.T) {
	alicePriv, alicePub, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatal(err)
	}
	bobPriv, bobPub, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatal(err)
	}

	aliceSecret, err := DeriveSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("DeriveSecret(alice) error = %v", err)
	}
	bobSecret, err := DeriveSecret(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("DeriveSecret(bob) error = %v", err)
	}

	if aliceSecret != bobSecret {
		t.Error("both sides derived different secrets")
	}
}

func TestDeriveSecret_RejectsZeroKey(t *testing.T) {
	priv, _, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatal(err)
	}

	var zero [KeySize]byte
	if _, err := DeriveSecret(priv, zero); err == nil {
		t.Error("DeriveSecret() accepted all-zero public key")
	}
}

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, KeySize))

	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	plaintexts := [][]byte{
		[]byte("Hello Secure World"),
		{},
		bytes.Repeat([]byte{0x00}, 4096),
	}

	for seq, pt := range plaintexts {
		sealed := c.Seal(uint64(seq), pt)
		if len(sealed) != len(pt)+TagSize {
			t.Errorf("seq %d: sealed length = %d, want %d", seq, len(sealed), len(pt)+TagSize)
		}

		opened, err := c.Open(uint64(seq), sealed)
		if err != nil {
			t.Fatalf("seq %d: Open() error = %v", seq, err)
		}
		if !bytes.Equal(opened, pt) {
			t.Errorf("seq %d: plaintext mismatch", seq)
		}
	}
}

func TestCipher_SequenceMismatchFails(t *testing.T) {
	var key [KeySize]byte
	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	sealed := c.Seal(0, []byte("record zero"))
	if _, err := c.Open(1, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open(wrong seq) error = %v, want ErrDecrypt", err)
	}
}

func TestCipher_TamperDetected(t *testing.T) {
	var key [KeySize]byte
	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	sealed := c.Seal(7, []byte("payload"))
	sealed[0] ^= 0x01
	if _, err := c.Open(7, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open(tampered) error = %v, want ErrDecrypt", err)
	}
}

func TestCipher_OpenRejectsShortRecord(t *testing.T) {
	var key [KeySize]byte
	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Open(0, make([]byte, TagSize-1)); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open(short) error = %v, want ErrDecrypt", err)
	}
}

func TestCipher_DistinctKeysDisagree(t *testing.T) {
	var k1, k2 [KeySize]byte
	k2[0] = 1

	c1, err := NewCipher(k1)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := NewCipher(k2)
	if err != nil {
		t.Fatal(err)
	}

	sealed := c1.Seal(0, []byte("secret"))
	if _, err := c2.Open(0, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open with different key error = %v, want ErrDecrypt", err)
	}
}
