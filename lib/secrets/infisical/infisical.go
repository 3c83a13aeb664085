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

// Package infisical is a Secrets Store backend for the Infisical
// secrets manager. No third-party Infisical SDK appears anywhere in
// the example pack, so this talks to Infisical's REST API directly
// over net/http rather than pull in an unseen dependency (see
// DESIGN.md).
package infisical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
)

// Config configures the infisical-backed Store.
type Config struct {
	// BaseURL is the Infisical API base, e.g. "https://app.infisical.com".
	BaseURL string
	// Token is a machine identity / service token with read-write
	// access to ProjectID/Environment.
	Token string
	// ProjectID is the Infisical project (workspace) ID.
	ProjectID string
	// Environment is the Infisical environment slug, e.g. "prod".
	Environment string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("infisical: BaseURL is required")
	}
	if c.Token == "" {
		return trace.BadParameter("infisical: Token is required")
	}
	if c.ProjectID == "" {
		return trace.BadParameter("infisical: ProjectID is required")
	}
	if c.Environment == "" {
		c.Environment = "prod"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}

// Store implements lib/secrets.Store against Infisical's v3 secrets API.
type Store struct {
	cfg Config
}

// New builds a Store from cfg.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// secretName maps a Store key (which may contain "/") onto an
// Infisical secret name, which cannot; "/" becomes "__".
func secretName(key string) string {
	return strings.ReplaceAll(key, "/", "__")
}

type secretPayload struct {
	SecretValue string `json:"secretValue"`
}

type getSecretResponse struct {
	Secret struct {
		SecretValue string `json:"secretValue"`
	} `json:"secret"`
}

type listSecretsResponse struct {
	Secrets []struct {
		SecretKey string `json:"secretKey"`
	} `json:"secrets"`
}

func (s *Store) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		reader = bytes.NewReader(buf)
	}
	u := s.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "infisical request failed")
	}
	return resp, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	q := url.Values{
		"workspaceId": {s.cfg.ProjectID},
		"environment": {s.cfg.Environment},
	}
	resp, err := s.do(ctx, http.MethodGet, "/api/v3/secrets/"+secretName(key), q, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("secret %q not found", key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.Errorf("infisical: unexpected status %d fetching %q", resp.StatusCode, key)
	}
	var out getSecretResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, trace.Wrap(err)
	}
	return []byte(out.Secret.SecretValue), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	payload := secretPayload{SecretValue: string(value)}
	q := url.Values{
		"workspaceId": {s.cfg.ProjectID},
		"environment": {s.cfg.Environment},
	}
	resp, err := s.do(ctx, http.MethodPost, "/api/v3/secrets/"+secretName(key), q, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		resp2, err := s.do(ctx, http.MethodPatch, "/api/v3/secrets/"+secretName(key), q, payload)
		if err != nil {
			return trace.Wrap(err)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			return trace.Errorf("infisical: unexpected status %d updating %q", resp2.StatusCode, key)
		}
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return trace.Errorf("infisical: unexpected status %d creating %q", resp.StatusCode, key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	q := url.Values{
		"workspaceId": {s.cfg.ProjectID},
		"environment": {s.cfg.Environment},
	}
	resp, err := s.do(ctx, http.MethodDelete, "/api/v3/secrets/"+secretName(key), q, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return trace.Errorf("infisical: unexpected status %d deleting %q", resp.StatusCode, key)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	q := url.Values{
		"workspaceId": {s.cfg.ProjectID},
		"environment": {s.cfg.Environment},
	}
	resp, err := s.do(ctx, http.MethodGet, "/api/v3/secrets", q, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.Errorf("infisical: unexpected status %d listing secrets", resp.StatusCode)
	}
	var out listSecretsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, trace.Wrap(err)
	}
	encodedPrefix := secretName(prefix)
	var keys []string
	for _, sec := range out.Secrets {
		if strings.HasPrefix(sec.SecretKey, encodedPrefix) {
			keys = append(keys, strings.ReplaceAll(sec.SecretKey, "__", "/"))
		}
	}
	return keys, nil
}

var _ fmt.Stringer = (*Store)(nil)

func (s *Store) String() string {
	return fmt.Sprintf("infisical(project=%s, env=%s)", s.cfg.ProjectID, s.cfg.Environment)
}
