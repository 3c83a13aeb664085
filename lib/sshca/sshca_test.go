/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package sshca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend/memory"
	"github.com/penguintechinc/gough/lib/secrets/encrypteddb"
)

func newTestAuthority(t *testing.T) (*Authority, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	be := memory.New(clock)
	store, err := encrypteddb.New(be, make([]byte, 32))
	require.NoError(t, err)
	auth, err := NewAuthority(Config{Backend: be, Secrets: store, Clock: clock})
	require.NoError(t, err)
	return auth, clock
}

func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return pub
}

func TestInitAndSign(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestAuthority(t)

	ca, err := auth.Init(ctx, "user-ca", types.CATypeUser, 3600, 28800, nil)
	require.NoError(t, err)
	require.True(t, ca.Active)
	require.NotEmpty(t, ca.PublicKey)

	cert, err := auth.Sign(ctx, SignRequest{
		PublicKey:  testPublicKey(t),
		KeyID:      "user@example.com@m-1-1700000000",
		Principals: []string{"ubuntu"},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(ssh.UserCert), cert.CertType)
	require.Equal(t, []string{"ubuntu"}, cert.ValidPrincipals)
	require.EqualValues(t, 1, cert.Serial)

	cert2, err := auth.Sign(ctx, SignRequest{
		PublicKey:  testPublicKey(t),
		KeyID:      "user@example.com@m-1-1700000001",
		Principals: []string{"ubuntu"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, cert2.Serial)
}

func TestSignRejectsPrincipalOutsideAllowlist(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestAuthority(t)
	_, err := auth.Init(ctx, "user-ca", types.CATypeUser, 3600, 28800, []string{"ubuntu", "deploy"})
	require.NoError(t, err)

	_, err = auth.Sign(ctx, SignRequest{
		PublicKey:  testPublicKey(t),
		KeyID:      "k1",
		Principals: []string{"root"},
	})
	require.Error(t, err)
}

func TestSignRejectsValidityAboveMax(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestAuthority(t)
	_, err := auth.Init(ctx, "user-ca", types.CATypeUser, 3600, 7200, nil)
	require.NoError(t, err)

	_, err = auth.Sign(ctx, SignRequest{
		PublicKey:   testPublicKey(t),
		KeyID:       "k1",
		Principals:  []string{"ubuntu"},
		ValiditySec: 99999,
	})
	require.Error(t, err)
}

func TestRotateKeepsOverlapWindow(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestAuthority(t)
	first, err := auth.Init(ctx, "user-ca-1", types.CATypeUser, 3600, 28800, nil)
	require.NoError(t, err)

	second, err := auth.Rotate(ctx, types.CATypeUser, 3600, 28800, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.Name, second.Name)
	require.True(t, second.Active)

	active, err := auth.cfg.Backend.GetActiveCA(ctx, types.CATypeUser)
	require.NoError(t, err)
	require.Equal(t, second.Name, active.Name)

	prev, err := auth.cfg.Backend.GetCA(ctx, first.Name)
	require.NoError(t, err)
	require.False(t, prev.Active)
}

func TestMaxValiditySecReflectsActiveUserCA(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestAuthority(t)
	_, err := auth.Init(ctx, "user-ca", types.CATypeUser, 3600, 28800, nil)
	require.NoError(t, err)

	max, err := auth.MaxValiditySec(ctx)
	require.NoError(t, err)
	require.Equal(t, 28800, max)
}

func TestUserCAPublicKeysReturnsActiveAndMostRecentlyDeactivated(t *testing.T) {
	ctx := context.Background()
	auth, clock := newTestAuthority(t)
	first, err := auth.Init(ctx, "user-ca", types.CATypeUser, 3600, 28800, nil)
	require.NoError(t, err)

	// Only the active CA exists yet, so exactly one key comes back.
	keys, err := auth.UserCAPublicKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{first.PublicKey}, keys)

	clock.Advance(time.Minute)
	second, err := auth.Rotate(ctx, types.CATypeUser, 3600, 28800, nil)
	require.NoError(t, err)

	keys, err = auth.UserCAPublicKeys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{second.PublicKey, first.PublicKey}, keys)

	clock.Advance(time.Minute)
	third, err := auth.Rotate(ctx, types.CATypeUser, 3600, 28800, nil)
	require.NoError(t, err)

	// A second rotation leaves three CAs on record; only the active one
	// and the one it just superseded (not the original) belong in the
	// overlap window.
	keys, err = auth.UserCAPublicKeys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{third.PublicKey, second.PublicKey}, keys)
	require.NotContains(t, keys, first.PublicKey)
}

func TestCACreatedAtParsesGeneratedNameSuffix(t *testing.T) {
	require.Equal(t, int64(1700000000), caCreatedAt("user-ca-1700000000"))
	require.Equal(t, int64(0), caCreatedAt("user-ca"))
	require.Equal(t, int64(0), caCreatedAt("not-a-timestamp-suffix-x"))
}
