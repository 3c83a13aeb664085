/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package encrypteddb

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/gough/lib/backend/memory"
)

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := memory.New(clockwork.NewFakeClock())

	store, err := New(blobs, []byte("a-passphrase-of-any-length"))
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "ca/user-ca/private-key", []byte("super secret pem")))

	got, err := store.Get(ctx, "ca/user-ca/private-key")
	require.NoError(t, err)
	require.Equal(t, "super secret pem", string(got))

	raw, err := blobs.GetSecretBlob(ctx, "ca/user-ca/private-key")
	require.NoError(t, err)
	require.NotContains(t, string(raw), "super secret pem")
}

func TestGetMissingKey(t *testing.T) {
	ctx := context.Background()
	blobs := memory.New(clockwork.NewFakeClock())
	store, err := New(blobs, make([]byte, 32))
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	require.Error(t, err)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	blobs := memory.New(clockwork.NewFakeClock())
	store, err := New(blobs, make([]byte, 32))
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "provider/a/credentials", []byte("x")))
	require.NoError(t, store.Set(ctx, "provider/b/credentials", []byte("y")))

	keys, err := store.List(ctx, "provider/")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.NoError(t, store.Delete(ctx, "provider/a/credentials"))
	keys, err = store.List(ctx, "provider/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
