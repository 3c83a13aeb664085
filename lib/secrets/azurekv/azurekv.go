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

// Package azurekv is a Secrets Store backend over Azure Key Vault.
package azurekv

import (
	"context"
	"errors"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/gravitational/trace"
)

// Client is the subset of the Key Vault secrets API this backend uses.
type Client interface {
	GetSecret(ctx context.Context, name, version string, opts *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, opts *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, opts *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
	NewListSecretPropertiesPager(opts *azsecrets.ListSecretPropertiesOptions) *azsecrets.ListSecretPropertiesPager
}

// Store implements lib/secrets.Store against Azure Key Vault. Key
// Vault secret names may contain only alphanumerics and hyphens, so
// normalizeName maps "/", ".", "_" onto "-" at the boundary; this is
// lossy (distinct keys can collide) so callers should keep secret
// keys hyphen/alnum-friendly where practical.
type Store struct {
	client Client
}

// New builds a Store from an already-configured Key Vault secrets client.
func New(client Client) *Store {
	return &Store{client: client}
}

var nameReplacer = strings.NewReplacer("/", "-", ".", "-", "_", "-")

func normalizeName(key string) string {
	return nameReplacer.Replace(key)
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetSecret(ctx, normalizeName(key), "", nil)
	if err != nil {
		if isNotFound(err) {
			return nil, trace.NotFound("secret %q not found", key)
		}
		return nil, trace.Wrap(err, "fetching secret %q", key)
	}
	if resp.Value == nil {
		return nil, trace.NotFound("secret %q not found", key)
	}
	return []byte(*resp.Value), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	v := string(value)
	_, err := s.client.SetSecret(ctx, normalizeName(key), azsecrets.SetSecretParameters{
		Value: &v,
	}, nil)
	return trace.Wrap(err, "writing secret %q", key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteSecret(ctx, normalizeName(key), nil)
	if err != nil && !isNotFound(err) {
		return trace.Wrap(err, "deleting secret %q", key)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	normalizedPrefix := normalizeName(prefix)
	pager := s.client.NewListSecretPropertiesPager(nil)
	var out []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, trace.Wrap(err, "listing secrets under %q", prefix)
		}
		for _, item := range page.Value {
			if item.ID == nil {
				continue
			}
			name := item.ID.Name()
			if strings.HasPrefix(name, normalizedPrefix) {
				out = append(out, name)
			}
		}
	}
	return out, nil
}
