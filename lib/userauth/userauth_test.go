/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package userauth

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend/memory"
)

func newTestUser(t *testing.T, ctx context.Context, b *memory.Backend, email, password string) types.User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	u, err := b.CreateUser(ctx, types.User{Email: email, PasswordHash: hash, Active: true})
	require.NoError(t, err)
	return u
}

func TestLoginSucceedsWithCorrectPassword(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newTestUser(t, ctx, b, "alice@example.com", "correct-horse")

	a, err := New(Config{Backend: b, Clock: clock})
	require.NoError(t, err)

	sess, err := a.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	require.True(t, sess.ExpiresAt.After(clock.Now()))
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newTestUser(t, ctx, b, "alice@example.com", "correct-horse")

	a, err := New(Config{Backend: b, Clock: clock})
	require.NoError(t, err)

	_, err = a.Login(ctx, "alice@example.com", "wrong-password")
	require.Error(t, err)
	require.ErrorAs(t, err, &InvalidCredentialsError{})
}

func TestLoginRejectsDeactivatedUser(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	_, err = b.CreateUser(ctx, types.User{Email: "bob@example.com", PasswordHash: hash, Active: false})
	require.NoError(t, err)

	a, err := New(Config{Backend: b, Clock: clock})
	require.NoError(t, err)

	_, err = a.Login(ctx, "bob@example.com", "correct-horse")
	require.Error(t, err)
}

func TestAuthenticateRejectsExpiredSession(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newTestUser(t, ctx, b, "alice@example.com", "correct-horse")

	a, err := New(Config{Backend: b, Clock: clock, SessionTTL: time.Hour})
	require.NoError(t, err)

	sess, err := a.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, sess.Token)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = a.Authenticate(ctx, sess.Token)
	require.Error(t, err)
}

func TestRefreshRotatesTokenAndRevokesThePrevious(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newTestUser(t, ctx, b, "alice@example.com", "correct-horse")

	a, err := New(Config{Backend: b, Clock: clock})
	require.NoError(t, err)

	sess, err := a.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)

	next, err := a.Refresh(ctx, sess.Token)
	require.NoError(t, err)
	require.NotEqual(t, sess.Token, next.Token)

	_, err = a.Authenticate(ctx, sess.Token)
	require.Error(t, err)

	_, err = a.Authenticate(ctx, next.Token)
	require.NoError(t, err)
}

func TestLogoutRevokesSession(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newTestUser(t, ctx, b, "alice@example.com", "correct-horse")

	a, err := New(Config{Backend: b, Clock: clock})
	require.NoError(t, err)

	sess, err := a.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx, sess.Token))

	_, err = a.Authenticate(ctx, sess.Token)
	require.Error(t, err)
}
