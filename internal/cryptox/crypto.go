// Package cryptox seals credential material before it is written to the
// database. OAuth access and refresh tokens are encrypted with AES-256-GCM
// under a key derived from the service secret, so a database dump alone is
// not enough to impersonate an owner against an upstream provider.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
)

// ErrKeyRequired is returned by NewSealer when the secret is empty.
var ErrKeyRequired = errors.New("cryptox: sealing secret must not be empty")

const nonceSize = 12

// Sealer encrypts and decrypts byte slices with AES-GCM under a fixed key.
// The key is derived once from the service secret and salt; a new random
// 12-byte nonce is generated for every Seal call and must be stored next
// to the ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer derives an AES-256 key from secret and salt and returns a
// Sealer bound to it.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrKeyRequired
	}
	return &Sealer{key: DeriveKey(secret, salt)}, nil
}

// Seal encrypts plaintext and returns the ciphertext together with the
// nonce used. Both must be persisted to make Open possible later.
//
// Example:
//
//	sealer, _ := cryptox.NewSealer([]byte("service-secret"), []byte("salt"))
//	ciphertext, nonce, err := sealer.Seal([]byte("ya29.a0AfH6..."))
//	if err != nil {
//	    log.Fatal(err)
//	}
func (s *Sealer) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	aesgcm, err := s.aead()
	if err != nil {
		return nil, nil, err
	}

	ciphertext = aesgcm.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, nil
}

// Open decrypts ciphertext produced by Seal. The nonce must be the one
// returned by the Seal call that produced the ciphertext. Open fails if
// either value was tampered with or a different key is used.
func (s *Sealer) Open(ciphertext, nonce []byte) ([]byte, error) {
	aesgcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

func (s *Sealer) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
