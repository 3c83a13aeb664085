/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setServerEnv(t *testing.T) {
	t.Helper()
	env := map[string]string{
		"DB_HOST":         "db.internal",
		"DB_NAME":         "gough",
		"DB_USER":         "gough",
		"DB_PASS":         "hunter2",
		"SECRET_KEY":      "server-secret",
		"JWT_SECRET_KEY":  "jwt-secret",
		"ENCRYPTION_KEY":  "01234567890123456789012345678901",
		"CORS_ORIGINS":    "https://a.example.com,https://b.example.com",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	setServerEnv(t)
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.DB.Type)
	require.Equal(t, 5432, cfg.DB.Port)
	require.Equal(t, 10, cfg.DB.PoolSize)
	require.Equal(t, "encrypteddb", cfg.SecretsBackend)
	require.Equal(t, 100, cfg.RateLimitDefault)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}

func TestLoadServerConfigRejectsMissingDBHost(t *testing.T) {
	t.Setenv("SECRET_KEY", "x")
	t.Setenv("JWT_SECRET_KEY", "x")
	t.Setenv("ENCRYPTION_KEY", "01234567890123456789012345678901")
	_, err := LoadServerConfig()
	require.Error(t, err)
}

func TestLoadServerConfigRejectsShortEncryptionKey(t *testing.T) {
	setServerEnv(t)
	t.Setenv("ENCRYPTION_KEY", "too-short")
	_, err := LoadServerConfig()
	require.Error(t, err)
}

func TestLoadServerConfigVaultBackendSkipsEncryptionKeyCheck(t *testing.T) {
	setServerEnv(t)
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("SECRETS_BACKEND", "vault")
	t.Setenv("VAULT_ADDR", "https://vault.internal")
	t.Setenv("VAULT_TOKEN", "s.abc")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, "vault", cfg.SecretsBackend)
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	t.Setenv("GOUGH_MANAGEMENT_SERVER", "https://gough.example.com")
	t.Setenv("GOUGH_ENROLLMENT_KEY", "deadbeef")
	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	require.Equal(t, 2222, cfg.RSSHPort)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.True(t, cfg.VerifySSL)
}

func TestLoadAgentConfigRejectsMissingManagementServer(t *testing.T) {
	_, err := LoadAgentConfig()
	require.Error(t, err)
}
