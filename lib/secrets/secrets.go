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

// Package secrets defines the Secrets Store contract used for CA
// private keys, cloud provider credentials, and webhook signing
// secrets. Callers (lib/cloud, lib/sshca) depend only on the Store
// interface, never a concrete backend.
package secrets

import (
	"context"

	"github.com/gravitational/trace"
)

// Store is a minimal key/value secret interface. Keys are opaque
// strings chosen by the caller (e.g. "ca/user-ca/private-key",
// "provider/<id>/credentials"); backends are free to namespace or
// normalize them as their underlying system requires.
type Store interface {
	// Get returns the secret bytes stored at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key, creating or overwriting it.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the secret at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = trace.NotFound("secret not found")
