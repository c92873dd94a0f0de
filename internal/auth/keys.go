// Package auth guards the MCP endpoint with static API keys. Only bcrypt
// hashes of the keys are configured; the keys themselves never touch
// disk.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// maxCachedKeys bounds the verified-key cache. Each entry is a SHA-256
// digest, never the key.
const maxCachedKeys = 64

// KeySet validates presented API keys against configured bcrypt hashes.
// bcrypt is deliberately slow, so keys that verified once are remembered
// by digest for the life of the process.
type KeySet struct {
	hashes [][]byte

	mu       sync.Mutex
	verified map[string]bool
}

// NewKeySet parses the configured hashes. It fails on anything that is
// not a bcrypt hash, so a plaintext key pasted by mistake is caught at
// startup.
func NewKeySet(hashes []string) (*KeySet, error) {
	ks := &KeySet{verified: make(map[string]bool)}

	for i, h := range hashes {
		if h == "" {
			continue
		}

		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d: %w", i+1, err)
		}

		ks.hashes = append(ks.hashes, []byte(h))
	}

	if len(ks.hashes) == 0 {
		return nil, errors.New("no api key hashes configured")
	}

	return ks, nil
}

// Len returns the number of configured hashes.
func (k *KeySet) Len() int {
	return len(k.hashes)
}

// Valid reports whether key matches any configured hash.
func (k *KeySet) Valid(key string) bool {
	if key == "" {
		return false
	}

	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	k.mu.Lock()
	ok := k.verified[digest]
	k.mu.Unlock()

	if ok {
		return true
	}

	for _, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			k.remember(digest)
			return true
		}
	}

	return false
}

func (k *KeySet) remember(digest string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.verified) >= maxCachedKeys {
		clear(k.verified)
	}

	k.verified[digest] = true
}

// HashKey returns the bcrypt hash to configure for key.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(hash), nil
}
