/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package encrypteddb is the default Secrets Store backend: it
// encrypts values with AES-256-GCM and stores the ciphertext in the
// Relational Store's secret_blobs table. No external secret manager
// is required to run a single-node deployment.
package encrypteddb

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/gravitational/trace"
)

// BlobStore is the subset of backend.Backend the encrypteddb Store needs.
type BlobStore interface {
	GetSecretBlob(ctx context.Context, key string) ([]byte, error)
	SetSecretBlob(ctx context.Context, key string, value []byte) error
	DeleteSecretBlob(ctx context.Context, key string) error
	ListSecretBlobs(ctx context.Context, prefix string) ([]string, error)
}

// Store encrypts/decrypts secret values with a single AES-GCM key
// before delegating storage to the Relational Store.
type Store struct {
	blobs BlobStore
	aead  cipher.AEAD
}

// deriveKey returns a 32-byte AES-256 key. Keys that are already 32
// raw bytes are used directly; anything else is SHA-256 hashed so
// operators can hand this an arbitrary passphrase.
func deriveKey(key []byte) [32]byte {
	if len(key) == 32 {
		var out [32]byte
		copy(out[:], key)
		return out
	}
	return sha256.Sum256(key)
}

// New builds a Store from a raw encryption key (ENCRYPTION_KEY env)
// and the Relational Store backend to persist ciphertext in.
func New(blobs BlobStore, key []byte) (*Store, error) {
	if len(key) == 0 {
		return nil, trace.BadParameter("encrypteddb: encryption key is required")
	}
	derived := deriveKey(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, trace.Wrap(err, "constructing AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err, "constructing AES-GCM")
	}
	return &Store{blobs: blobs, aead: aead}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.blobs.GetSecretBlob(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonceSize := s.aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, trace.BadParameter("secret %q: ciphertext too short", key)
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, trace.Wrap(err, "decrypting secret %q", key)
	}
	return plaintext, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return trace.Wrap(err, "generating nonce")
	}
	ciphertext := s.aead.Seal(nonce, nonce, value, nil)
	return trace.Wrap(s.blobs.SetSecretBlob(ctx, key, ciphertext))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return trace.Wrap(s.blobs.DeleteSecretBlob(ctx, key))
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.blobs.ListSecretBlobs(ctx, prefix)
	return keys, trace.Wrap(err)
}
