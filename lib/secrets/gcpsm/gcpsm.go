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

// Package gcpsm is a Secrets Store backend over Google Cloud Secret
// Manager. Keys are mapped onto secret IDs by replacing "/" with "--",
// since Secret Manager IDs may only contain letters, digits, "-" and "_".
package gcpsm

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/gravitational/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client is the subset of the Secret Manager API this backend uses.
type Client interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error
	ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest, opts ...gax.CallOption) *secretmanager.SecretIterator
}

// Store implements lib/secrets.Store against GCP Secret Manager.
type Store struct {
	client    Client
	projectID string
}

// New builds a Store scoped to projectID.
func New(client Client, projectID string) *Store {
	return &Store{client: client, projectID: projectID}
}

func secretID(key string) string {
	return strings.ReplaceAll(key, "/", "--")
}

func (s *Store) secretName(key string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", s.projectID, secretID(key))
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretName(key) + "/versions/latest",
	})
	if err != nil {
		if isNotFound(err) {
			return nil, trace.NotFound("secret %q not found", key)
		}
		return nil, trace.Wrap(err, "accessing secret %q", key)
	}
	return resp.Payload.Data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	name := s.secretName(key)
	_, err := s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  name,
		Payload: &secretmanagerpb.SecretPayload{Data: value},
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return trace.Wrap(err, "adding version to secret %q", key)
	}
	_, err = s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", s.projectID),
		SecretId: secretID(key),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil {
		return trace.Wrap(err, "creating secret %q", key)
	}
	_, err = s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  name,
		Payload: &secretmanagerpb.SecretPayload{Data: value},
	})
	return trace.Wrap(err, "adding first version to secret %q", key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: s.secretName(key)})
	if err != nil && !isNotFound(err) {
		return trace.Wrap(err, "deleting secret %q", key)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent: fmt.Sprintf("projects/%s", s.projectID),
	})
	var out []string
	encodedPrefix := secretID(prefix)
	for {
		secret, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, trace.Wrap(err, "listing secrets")
		}
		parts := strings.Split(secret.Name, "/")
		id := parts[len(parts)-1]
		if strings.HasPrefix(id, encodedPrefix) {
			out = append(out, strings.ReplaceAll(id, "--", "/"))
		}
	}
	return out, nil
}
