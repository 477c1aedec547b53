package transport

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of Curve25519 keys in bytes.
const KeySize = 32

// Keypair is a static Curve25519 identity used for the Noise handshake.
type Keypair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeypair creates a random static identity.
func GenerateKeypair() (*Keypair, error) {
	var priv [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return KeypairFromPrivate(priv)
}

// KeypairFromPrivate derives the public half from a private key.
func KeypairFromPrivate(priv [KeySize]byte) (*Keypair, error) {
	if isZero(priv[:]) {
		return nil, errors.New("invalid private key: all zeros")
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &Keypair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParseKeypair decodes a hex encoded private key.
func ParseKeypair(s string) (*Keypair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(raw))
	}

	var priv [KeySize]byte
	copy(priv[:], raw)
	wipe(raw)
	return KeypairFromPrivate(priv)
}

// PublicHex returns the public key in hex.
func (kp *Keypair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
