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

// Package config loads environment-variable-driven configuration for
// the server and agent binaries, one struct per subsystem with a
// CheckAndSetDefaults method, mirroring the XxxConfig.CheckAndSetDefaults
// pattern used throughout this tree's other components.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, trace.BadParameter("invalid integer for %s: %v", key, err)
	}
	return n, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, trace.BadParameter("invalid boolean for %s: %v", key, err)
	}
	return b, nil
}

// DBConfig configures the Postgres connection pool backing
// lib/backend/postgres.
type DBConfig struct {
	Type     string
	Host     string
	Port     int
	Name     string
	User     string
	Pass     string
	PoolSize int
}

// ServerConfig is the full environment-variable-driven configuration
// for the gough-server control-plane binary.
type ServerConfig struct {
	DB DBConfig

	// SecretKey is required by CheckAndSetDefaults. User session tokens
	// are opaque random values, so nothing in the server signs with it.
	SecretKey string
	// JWTSecretKey is required by CheckAndSetDefaults. The agent token
	// signing key lives in the Secrets Store; the server's wiring does
	// not read this value.
	JWTSecretKey string
	// EncryptionKey is the 32-byte AES-256 key for lib/secrets/encrypteddb
	// when SecretsBackend is "encrypteddb".
	EncryptionKey string

	// SecretsBackend selects which lib/secrets implementation to wire:
	// "encrypteddb" (default), "vault", "awssm", "azurekv", "gcpsm", or
	// "infisical".
	SecretsBackend string
	VaultAddr      string
	VaultToken     string
	AWSRegion      string
	AzureVaultURL  string
	GCPProjectID   string

	RedisURL         string
	RateLimitDefault int
	CORSOrigins      []string

	ListenAddr string
}

func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.DB.Type == "" {
		c.DB.Type = "postgres"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.PoolSize == 0 {
		c.DB.PoolSize = 10
	}
	if c.DB.Host == "" || c.DB.Name == "" || c.DB.User == "" {
		return trace.BadParameter("config: DB_HOST, DB_NAME and DB_USER are required")
	}
	if c.SecretKey == "" {
		return trace.BadParameter("config: SECRET_KEY is required")
	}
	if c.JWTSecretKey == "" {
		return trace.BadParameter("config: JWT_SECRET_KEY is required")
	}
	if c.SecretsBackend == "" {
		c.SecretsBackend = "encrypteddb"
	}
	if c.SecretsBackend == "encrypteddb" && len(c.EncryptionKey) != 32 {
		return trace.BadParameter("config: ENCRYPTION_KEY must be exactly 32 bytes for the encrypteddb secrets backend")
	}
	if c.RateLimitDefault == 0 {
		c.RateLimitDefault = 100
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	return nil
}

// LoadServerConfig reads ServerConfig from the environment variables
// named in the deployment's minimum set: DB_TYPE, DB_HOST, DB_PORT,
// DB_NAME, DB_USER, DB_PASS, DB_POOL_SIZE, SECRET_KEY, JWT_SECRET_KEY,
// ENCRYPTION_KEY, SECRETS_BACKEND, REDIS_URL, RATE_LIMIT_DEFAULT,
// CORS_ORIGINS, VAULT_ADDR, VAULT_TOKEN, AWS_REGION, AZURE_VAULT_URL,
// GCP_PROJECT_ID.
func LoadServerConfig() (ServerConfig, error) {
	port, err := getenvInt("DB_PORT", 5432)
	if err != nil {
		return ServerConfig{}, trace.Wrap(err)
	}
	poolSize, err := getenvInt("DB_POOL_SIZE", 10)
	if err != nil {
		return ServerConfig{}, trace.Wrap(err)
	}
	rateLimit, err := getenvInt("RATE_LIMIT_DEFAULT", 100)
	if err != nil {
		return ServerConfig{}, trace.Wrap(err)
	}
	var origins []string
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}

	cfg := ServerConfig{
		DB: DBConfig{
			Type:     getenv("DB_TYPE", "postgres"),
			Host:     os.Getenv("DB_HOST"),
			Port:     port,
			Name:     os.Getenv("DB_NAME"),
			User:     os.Getenv("DB_USER"),
			Pass:     os.Getenv("DB_PASS"),
			PoolSize: poolSize,
		},
		SecretKey:        os.Getenv("SECRET_KEY"),
		JWTSecretKey:     os.Getenv("JWT_SECRET_KEY"),
		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		SecretsBackend:   getenv("SECRETS_BACKEND", "encrypteddb"),
		VaultAddr:        os.Getenv("VAULT_ADDR"),
		VaultToken:       os.Getenv("VAULT_TOKEN"),
		AWSRegion:        os.Getenv("AWS_REGION"),
		AzureVaultURL:    os.Getenv("AZURE_VAULT_URL"),
		GCPProjectID:     os.Getenv("GCP_PROJECT_ID"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RateLimitDefault: rateLimit,
		CORSOrigins:      origins,
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return ServerConfig{}, trace.Wrap(err)
	}
	return cfg, nil
}

// AgentConfig is the full environment-variable-driven configuration
// for the gough-agent binary.
type AgentConfig struct {
	// ManagementServer is the control plane's base URL, e.g.
	// "https://gough.example.com".
	ManagementServer string
	// EnrollmentKey is presented to the enroll endpoint every time the
	// agent starts. The issued access/refresh pair is kept only in
	// memory and is not persisted, so a key the server has already
	// consumed cannot start the agent again.
	EnrollmentKey string
	RSSHPort      int
	HeartbeatInterval time.Duration
	VerifySSL         bool
}

func (c *AgentConfig) CheckAndSetDefaults() error {
	if c.ManagementServer == "" {
		return trace.BadParameter("config: GOUGH_MANAGEMENT_SERVER is required")
	}
	if c.RSSHPort == 0 {
		c.RSSHPort = 2222
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return nil
}

// LoadAgentConfig reads AgentConfig from GOUGH_MANAGEMENT_SERVER,
// GOUGH_ENROLLMENT_KEY, GOUGH_RSSH_PORT, GOUGH_HEARTBEAT_INTERVAL and
// GOUGH_VERIFY_SSL.
func LoadAgentConfig() (AgentConfig, error) {
	rsshPort, err := getenvInt("GOUGH_RSSH_PORT", 2222)
	if err != nil {
		return AgentConfig{}, trace.Wrap(err)
	}
	heartbeatSec, err := getenvInt("GOUGH_HEARTBEAT_INTERVAL", 30)
	if err != nil {
		return AgentConfig{}, trace.Wrap(err)
	}
	verifySSL, err := getenvBool("GOUGH_VERIFY_SSL", true)
	if err != nil {
		return AgentConfig{}, trace.Wrap(err)
	}
	cfg := AgentConfig{
		ManagementServer:  os.Getenv("GOUGH_MANAGEMENT_SERVER"),
		EnrollmentKey:     os.Getenv("GOUGH_ENROLLMENT_KEY"),
		RSSHPort:          rsshPort,
		HeartbeatInterval: time.Duration(heartbeatSec) * time.Second,
		VerifySSL:         verifySSL,
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return AgentConfig{}, trace.Wrap(err)
	}
	return cfg, nil
}
