/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package agentauth

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend/memory"
)

func newTestAuthenticator(t *testing.T, clock clockwork.Clock) (*Authenticator, *memory.Backend) {
	t.Helper()
	b := memory.New(clock)
	sec := newFakeSecretStore()

	a, err := New(Config{Backend: b, Secrets: sec, Clock: clock, HeartbeatIntervalS: 30})
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))
	return a, b
}

// fakeSecretStore mirrors orchestrator's test fake; agentauth has no
// dependency on the backend's own SecretBlobStore so it gets its own
// minimal in-memory secrets.Store here too.
type fakeSecretStore struct{ data map[string][]byte }

func newFakeSecretStore() *fakeSecretStore { return &fakeSecretStore{data: make(map[string][]byte)} }

func (f *fakeSecretStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, trace.NotFound("secret %q not found", key)
	}
	return v, nil
}
func (f *fakeSecretStore) Set(ctx context.Context, key string, value []byte) error {
	f.data[key] = value
	return nil
}
func (f *fakeSecretStore) Delete(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}
func (f *fakeSecretStore) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func TestEnrollMintsTokensAndConsumesKey(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	a, b := newTestAuthenticator(t, clock)

	require.NoError(t, b.CreateCA(ctx, types.SSHCAConfig{Name: "user-ca", Type: types.CATypeUser, PublicKey: "ssh-rsa AAAA...", Active: true, MaxValiditySec: 28800}))

	plaintext, hash, err := GenerateEnrollmentKey()
	require.NoError(t, err)
	require.NoError(t, b.CreateEnrollmentKey(ctx, types.EnrollmentKey{KeyHash: hash, ExpiresAt: clock.Now().Add(time.Hour)}))

	res, err := a.Enroll(ctx, plaintext, EnrollRequest{Hostname: "host-1", Capabilities: []string{"ssh"}})
	require.NoError(t, err)
	require.NotEmpty(t, res.AgentID)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	require.Equal(t, "ssh-rsa AAAA...", res.CAPublicKey)

	// Re-using the same enrollment key fails.
	_, err = a.Enroll(ctx, plaintext, EnrollRequest{Hostname: "host-2"})
	require.Error(t, err)

	agentID, err := a.VerifyAccess(ctx, res.AccessToken)
	require.NoError(t, err)
	require.Equal(t, res.AgentID, agentID)
}

func TestRefreshRotatesTokenAndDetectsReuse(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	a, b := newTestAuthenticator(t, clock)

	require.NoError(t, b.CreateCA(ctx, types.SSHCAConfig{Name: "user-ca", Type: types.CATypeUser, PublicKey: "ssh-rsa AAAA...", Active: true, MaxValiditySec: 28800}))

	plaintext, hash, err := GenerateEnrollmentKey()
	require.NoError(t, err)
	require.NoError(t, b.CreateEnrollmentKey(ctx, types.EnrollmentKey{KeyHash: hash, ExpiresAt: clock.Now().Add(time.Hour)}))

	res, err := a.Enroll(ctx, plaintext, EnrollRequest{Hostname: "host-1"})
	require.NoError(t, err)

	rotated, err := a.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, res.RefreshToken, rotated.RefreshToken)

	// The original refresh token has been rotated past; presenting it
	// again is reuse and must fail and suspend the agent.
	_, err = a.Refresh(ctx, res.RefreshToken)
	require.Error(t, err)

	agent, err := b.GetAgent(ctx, res.AgentID)
	require.NoError(t, err)
	require.Equal(t, types.AgentSuspended, agent.Status)
}
