package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrKeyNotFound = errors.New("sealing key not found")

// StaticKeyStore holds record-sealing keys loaded once at startup. A
// per-user key takes precedence over the default key.
type StaticKeyStore struct {
	keys       map[string][]byte
	defaultKey []byte
}

// NewFromEnv builds a keystore from environment variables.
// RECORD_KEYS format: "userId:hex,userId2:hex"; each key must decode to
// 32 bytes. RECORD_DEFAULT_KEY holds the hex fallback key for users
// without an entry.
func NewFromEnv() (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	raw := os.Getenv("RECORD_KEYS")
	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			userID, hexKey, ok := strings.Cut(p, ":")
			if !ok {
				return nil, errors.New("invalid RECORD_KEYS format")
			}
			key, err := hex.DecodeString(hexKey)
			if err != nil {
				return nil, err
			}
			if len(key) != chacha20poly1305.KeySize {
				return nil, fmt.Errorf("key for %s: want %d bytes, got %d", userID, chacha20poly1305.KeySize, len(key))
			}
			keys[userID] = key
		}
	}

	ks := &StaticKeyStore{keys: keys}
	if def := os.Getenv("RECORD_DEFAULT_KEY"); def != "" {
		key, err := hex.DecodeString(def)
		if err != nil {
			return nil, err
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("default key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
		ks.defaultKey = key
	}
	return ks, nil
}

// NewStatic builds a keystore from explicit keys, for tests.
func NewStatic(defaultKey []byte, perUser map[string][]byte) *StaticKeyStore {
	keys := make(map[string][]byte, len(perUser))
	for id, k := range perUser {
		keys[id] = k
	}
	return &StaticKeyStore{keys: keys, defaultKey: defaultKey}
}

// KeyFor returns the sealing key for the user.
func (s *StaticKeyStore) KeyFor(userID string) ([]byte, error) {
	if key, ok := s.keys[userID]; ok {
		return key, nil
	}
	if s.defaultKey != nil {
		return s.defaultKey, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, userID)
}
