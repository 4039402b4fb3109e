package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealedTooShort = errors.New("sealed payload too short")

// Sealer encrypts record payloads at rest with ChaCha20-Poly1305. The
// random nonce is prepended to the ciphertext.
type Sealer struct {
	store *StaticKeyStore
}

func NewSealer(store *StaticKeyStore) *Sealer {
	return &Sealer{store: store}
}

func (s *Sealer) Seal(userID string, plaintext []byte) ([]byte, error) {
	key, err := s.store.KeyFor(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(userID)), nil
}

func (s *Sealer) Open(userID string, sealed []byte) ([]byte, error) {
	key, err := s.store.KeyFor(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("open sealed record: %w", err)
	}
	return plaintext, nil
}
