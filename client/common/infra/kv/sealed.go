package kv

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrSealedValue = errors.New("stored value cannot be opened with this key")

// Sealed encrypts values at rest with XChaCha20-Poly1305. The key is derived
// from a caller-supplied secret; the storage key is bound as associated data
// so ciphertexts cannot be swapped between keys.
type Sealed struct {
	inner Store
	aead  cipher.AEAD
}

func NewSealed(inner Store, secret []byte) (*Sealed, error) {
	if len(secret) == 0 {
		return nil, errors.New("sealing secret is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("buddy-client-state")), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return nil, false, ErrSealedValue
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(key))
	if err != nil {
		return nil, false, ErrSealedValue
	}
	return plain, true, nil
}

func (s *Sealed) SetMany(ctx context.Context, entries map[string][]byte) error {
	sealed := make(map[string][]byte, len(entries))
	for k, v := range entries {
		nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(v)+s.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		sealed[k] = s.aead.Seal(nonce, nonce, v, []byte(k))
	}
	return s.inner.SetMany(ctx, sealed)
}

func (s *Sealed) Delete(ctx context.Context, keys ...string) error {
	return s.inner.Delete(ctx, keys...)
}

func (s *Sealed) Close() error {
	return s.inner.Close()
}
