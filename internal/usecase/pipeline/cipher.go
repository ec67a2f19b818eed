package pipeline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// DefaultCipherSalt is used when no salt is configured. Peers must agree on it.
const DefaultCipherSalt = "morsel.pipeline.v1"

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// Cipher seals payloads with AES-256-GCM on send and opens them on receive.
// The wire form is nonce || ciphertext. The key is derived once.
func Cipher(passphrase, salt string) (Transform, error) {
	if passphrase == "" {
		return Transform{}, errors.New("aes passphrase must not be empty")
	}
	if salt == "" {
		salt = DefaultCipherSalt
	}

	block, err := aes.NewCipher(deriveKey(passphrase, []byte(salt)))
	if err != nil {
		return Transform{}, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Transform{}, fmt.Errorf("create gcm: %w", err)
	}

	return Transform{
		Name: "aes",
		Encode: func(p []byte) ([]byte, error) {
			nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(p)+gcm.Overhead())
			if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
				return nil, fmt.Errorf("generate nonce: %w", err)
			}
			return gcm.Seal(nonce, nonce, p, nil), nil
		},
		Decode: func(p []byte) ([]byte, error) {
			n := gcm.NonceSize()
			if len(p) < n {
				return nil, errors.New("ciphertext too short")
			}
			out, err := gcm.Open(nil, p[:n], p[n:], nil)
			if err != nil {
				return nil, fmt.Errorf("decrypt: %w", err)
			}
			return out, nil
		},
	}, nil
}
