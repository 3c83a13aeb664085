/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package rssh

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func encodePTYRequest(term string, width, height uint32) []byte {
	buf := make([]byte, 4+len(term)+4+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(term)))
	copy(buf[4:], term)
	rest := buf[4+len(term):]
	binary.BigEndian.PutUint32(rest[0:4], width)
	binary.BigEndian.PutUint32(rest[4:8], height)
	return buf
}

func TestParsePTYRequest(t *testing.T) {
	payload := encodePTYRequest("xterm-256color", 80, 24)
	req := parsePTYRequest(payload)
	require.Equal(t, "xterm-256color", req.Term)
	require.Equal(t, uint32(80), req.Width)
	require.Equal(t, uint32(24), req.Height)
}

func TestParseWinChange(t *testing.T) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], 120)
	binary.BigEndian.PutUint32(payload[4:8], 40)
	wc := parseWinChange(payload)
	require.Equal(t, uint32(120), wc.Width)
	require.Equal(t, uint32(40), wc.Height)
}

func TestPrincipalAllowed(t *testing.T) {
	require.True(t, principalAllowed("ubuntu", []string{"root", "ubuntu"}))
	require.False(t, principalAllowed("nobody", []string{"root", "ubuntu"}))
}

func TestSameKeyComparesMarshaledForm(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(other)
	require.NoError(t, err)

	require.True(t, sameKey(signer.PublicKey(), signer.PublicKey()))
	require.False(t, sameKey(signer.PublicKey(), otherSigner.PublicKey()))
}

func TestCAKeySetReflectsMostRecentSet(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer1, err := ssh.NewSignerFromKey(key1)
	require.NoError(t, err)

	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer2, err := ssh.NewSignerFromKey(key2)
	require.NoError(t, err)

	set := newCAKeySet([]ssh.PublicKey{signer1.PublicKey()})
	require.True(t, set.contains(signer1.PublicKey()))
	require.False(t, set.contains(signer2.PublicKey()))

	// Rotating in a second key during the overlap window must keep
	// accepting the first until a later SetCAKeys drops it.
	set.set([]ssh.PublicKey{signer1.PublicKey(), signer2.PublicKey()})
	require.True(t, set.contains(signer1.PublicKey()))
	require.True(t, set.contains(signer2.PublicKey()))

	set.set([]ssh.PublicKey{signer2.PublicKey()})
	require.False(t, set.contains(signer1.PublicKey()))
	require.True(t, set.contains(signer2.PublicKey()))
}

func TestLoadOrGenerateHostKeyIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")

	first, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)

	second, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)

	require.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}
