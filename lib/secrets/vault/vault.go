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

// Package vault is a Secrets Store backend over a HashiCorp Vault KV
// version 2 mount.
package vault

import (
	"context"
	"encoding/base64"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/gravitational/trace"
)

// Config configures the vault-backed Store.
type Config struct {
	// Address is the Vault server URL, e.g. "https://vault.internal:8200".
	Address string
	// Token authenticates to Vault. Production deployments should
	// prefer a short-lived token obtained via an auth method, but a
	// static token keeps the dependency surface to vault/api alone.
	Token string
	// MountPath is the KV v2 mount, default "secret".
	MountPath string
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Address == "" {
		return trace.BadParameter("vault: Address is required")
	}
	if c.Token == "" {
		return trace.BadParameter("vault: Token is required")
	}
	if c.MountPath == "" {
		c.MountPath = "secret"
	}
	return nil
}

// Store implements lib/secrets.Store against Vault's KV v2 engine.
type Store struct {
	client *vaultapi.Client
	mount  string
}

// New builds a Store from cfg.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.Address
	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, trace.Wrap(err, "constructing vault client")
	}
	client.SetToken(cfg.Token)
	return &Store{client: client, mount: cfg.MountPath}, nil
}

// valueField is the KV v2 data field we store the secret bytes under,
// base64-encoded since Vault's KV engine values are JSON strings.
const valueField = "value"

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, key)
	if err != nil {
		if vaultapi.IsErrSecretNotFound(err) {
			return nil, trace.NotFound("secret %q not found", key)
		}
		return nil, trace.Wrap(err, "reading vault secret %q", key)
	}
	raw, ok := secret.Data[valueField].(string)
	if !ok {
		return nil, trace.BadParameter("secret %q: missing %q field", key, valueField)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, trace.Wrap(err, "decoding secret %q", key)
	}
	return decoded, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.KVv2(s.mount).Put(ctx, key, map[string]interface{}{
		valueField: base64.StdEncoding.EncodeToString(value),
	})
	return trace.Wrap(err, "writing vault secret %q", key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.KVv2(s.mount).Delete(ctx, key)
	if err != nil && !vaultapi.IsErrSecretNotFound(err) {
		return trace.Wrap(err, "deleting vault secret %q", key)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.client.KVv2(s.mount).List(ctx, prefix)
	if err != nil {
		if vaultapi.IsErrSecretNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err, "listing vault secrets under %q", prefix)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, prefix+k)
	}
	return out, nil
}
