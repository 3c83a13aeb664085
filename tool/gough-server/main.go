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

// Command gough-server is the control-plane binary: it loads its
// configuration from the environment, wires every component together,
// and serves the HTTP API until terminated.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/go-redis/redis/v9"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/agentauth"
	"github.com/penguintechinc/gough/lib/api"
	"github.com/penguintechinc/gough/lib/api/ratelimit"
	"github.com/penguintechinc/gough/lib/api/ws"
	"github.com/penguintechinc/gough/lib/authz"
	"github.com/penguintechinc/gough/lib/backend/postgres"
	"github.com/penguintechinc/gough/lib/cloud"
	"github.com/penguintechinc/gough/lib/cloud/aws"
	"github.com/penguintechinc/gough/lib/cloud/azure"
	"github.com/penguintechinc/gough/lib/cloud/gcp"
	"github.com/penguintechinc/gough/lib/cloud/lxd"
	"github.com/penguintechinc/gough/lib/cloud/maas"
	"github.com/penguintechinc/gough/lib/cloud/vultr"
	"github.com/penguintechinc/gough/lib/config"
	"github.com/penguintechinc/gough/lib/heartbeat"
	"github.com/penguintechinc/gough/lib/orchestrator"
	"github.com/penguintechinc/gough/lib/secrets"
	"github.com/penguintechinc/gough/lib/secrets/awssm"
	"github.com/penguintechinc/gough/lib/secrets/azurekv"
	"github.com/penguintechinc/gough/lib/secrets/encrypteddb"
	"github.com/penguintechinc/gough/lib/secrets/gcpsm"
	"github.com/penguintechinc/gough/lib/secrets/vault"
	"github.com/penguintechinc/gough/lib/shellbroker"
	"github.com/penguintechinc/gough/lib/sshca"
	"github.com/penguintechinc/gough/lib/userauth"
)

var log = logrus.WithField(trace.Component, "gough-server")

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("gough-server exited")
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return trace.Wrap(err, "loading server configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
	be, err := postgres.New(ctx, postgres.Config{DSN: dsn, Clock: clock, MaxConns: int32(cfg.DB.PoolSize)})
	if err != nil {
		return trace.Wrap(err, "connecting to relational store")
	}
	defer be.Close()

	store, err := buildSecretsStore(ctx, cfg, be)
	if err != nil {
		return trace.Wrap(err, "constructing secrets store")
	}

	ca, err := sshca.NewAuthority(sshca.Config{Backend: be, Secrets: store, Clock: clock})
	if err != nil {
		return trace.Wrap(err, "constructing SSH CA")
	}
	if err := ensureCA(ctx, ca, be, types.CATypeUser, "gough-user-ca"); err != nil {
		return trace.Wrap(err)
	}
	if err := ensureCA(ctx, ca, be, types.CATypeHost, "gough-host-ca"); err != nil {
		return trace.Wrap(err)
	}

	agentAuth, err := agentauth.New(agentauth.Config{
		Backend:            be,
		Secrets:            store,
		Clock:              clock,
		HeartbeatIntervalS: 30,
	})
	if err != nil {
		return trace.Wrap(err, "constructing agent authenticator")
	}
	if err := agentAuth.Init(ctx); err != nil {
		return trace.Wrap(err, "initializing agent JWT signing key")
	}

	hb, err := heartbeat.New(heartbeat.Config{Backend: be, Clock: clock, CAKeys: ca})
	if err != nil {
		return trace.Wrap(err, "constructing heartbeat server")
	}
	go hb.RunSweep(ctx)

	evaluator := authz.NewEvaluator(be)

	registry := cloud.NewRegistry()
	registerCloudDrivers(registry)
	orc, err := orchestrator.New(orchestrator.Config{Backend: be, Registry: registry, Secrets: store, Clock: clock})
	if err != nil {
		return trace.Wrap(err, "constructing orchestrator")
	}
	go orc.RunSync(ctx)

	broker, err := shellbroker.New(shellbroker.Config{
		Backend:   be,
		Evaluator: evaluator,
		CA:        ca,
		Commands:  hb,
		Clock:     clock,
	})
	if err != nil {
		return trace.Wrap(err, "constructing shell broker")
	}
	go broker.RunReaper(ctx)

	userAuth, err := userauth.New(userauth.Config{Backend: be, Clock: clock})
	if err != nil {
		return trace.Wrap(err, "constructing user authenticator")
	}

	bridge, err := ws.New(ws.Config{Backend: be, Principals: broker, CA: ca, Clock: clock})
	if err != nil {
		return trace.Wrap(err, "constructing websocket shell bridge")
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return trace.Wrap(err, "parsing REDIS_URL")
		}
		limiter, err = ratelimit.New(ratelimit.Config{Client: redis.NewClient(opts), Limit: cfg.RateLimitDefault})
		if err != nil {
			return trace.Wrap(err, "constructing rate limiter")
		}
	}

	handler, err := api.NewServer(api.Config{
		Backend:      be,
		Clock:        clock,
		UserAuth:     userAuth,
		AgentAuth:    agentAuth,
		Heartbeat:    hb,
		Orchestrator: orc,
		Evaluator:    evaluator,
		CA:           ca,
		Broker:       broker,
		WS:           bridge,
		RateLimiter:  limiter,
	})
	if err != nil {
		return trace.Wrap(err, "constructing API server")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return trace.Wrap(srv.Shutdown(shutdownCtx))
	case err := <-errCh:
		return trace.Wrap(err)
	}
}

// ensureCA initializes a CA of caType if none is yet active, leaving
// an already-initialized CA untouched so restarts never silently
// rotate it.
func ensureCA(ctx context.Context, ca *sshca.Authority, be sshca.Backend, caType types.CAType, name string) error {
	_, err := be.GetActiveCA(ctx, caType)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err, "checking for active %s CA", caType)
	}
	if _, err := ca.Init(ctx, name, caType, 3600, 8*3600, nil); err != nil {
		return trace.Wrap(err, "initializing %s CA", caType)
	}
	log.WithField("type", caType).Info("bootstrapped new SSH CA")
	return nil
}

// buildSecretsStore selects and constructs the Secrets Store backend
// named by cfg.SecretsBackend.
func buildSecretsStore(ctx context.Context, cfg config.ServerConfig, be *postgres.Backend) (secrets.Store, error) {
	switch cfg.SecretsBackend {
	case "", "encrypteddb":
		return encrypteddb.New(be, []byte(cfg.EncryptionKey))
	case "vault":
		return vault.New(vault.Config{Address: cfg.VaultAddr, Token: cfg.VaultToken})
	case "awssm":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, trace.Wrap(err, "loading AWS config")
		}
		return awssm.New(secretsmanager.NewFromConfig(awsCfg)), nil
	case "azurekv":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, trace.Wrap(err, "loading Azure credentials")
		}
		client, err := azsecrets.NewClient(cfg.AzureVaultURL, cred, nil)
		if err != nil {
			return nil, trace.Wrap(err, "constructing Key Vault client")
		}
		return azurekv.New(client), nil
	case "gcpsm":
		client, err := secretmanager.NewClient(ctx)
		if err != nil {
			return nil, trace.Wrap(err, "constructing Secret Manager client")
		}
		return gcpsm.New(client, cfg.GCPProjectID), nil
	default:
		return nil, trace.BadParameter("config: unknown SECRETS_BACKEND %q", cfg.SecretsBackend)
	}
}

// cloudCredentials is the JSON shape stored at a provider's
// CredentialsRef in the Secrets Store; only the fields relevant to
// provider.Type are populated.
type cloudCredentials struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`

	SubscriptionID string `json:"subscription_id"`
	ResourceGroup  string `json:"resource_group"`
	TenantID       string `json:"tenant_id"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`

	ProjectID       string `json:"project_id"`
	Zone            string `json:"zone"`
	CredentialsJSON string `json:"credentials_json"`

	Endpoint string `json:"endpoint"`
	Project  string `json:"project"`

	APIURL string `json:"api_url"`
	APIKey string `json:"api_key"`
}

// registerCloudDrivers binds every provider type this tree supports
// to a DriverFactory that parses the provider's stored credentials
// blob into the matching driver's Config.
func registerCloudDrivers(registry *cloud.Registry) {
	registry.Register(types.ProviderAWS, func(ctx context.Context, provider types.CloudProvider, raw []byte) (cloud.Driver, error) {
		var c cloudCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, trace.Wrap(err, "parsing aws credentials")
		}
		return aws.New(aws.Config{Region: c.Region, AccessKeyID: c.AccessKeyID, SecretAccessKey: c.SecretAccessKey, SessionToken: c.SessionToken})
	})
	registry.Register(types.ProviderAzure, func(ctx context.Context, provider types.CloudProvider, raw []byte) (cloud.Driver, error) {
		var c cloudCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, trace.Wrap(err, "parsing azure credentials")
		}
		return azure.New(azure.Config{
			SubscriptionID: c.SubscriptionID,
			ResourceGroup:  c.ResourceGroup,
			Location:       provider.Region,
			TenantID:       c.TenantID,
			ClientID:       c.ClientID,
			ClientSecret:   c.ClientSecret,
		})
	})
	registry.Register(types.ProviderGCP, func(ctx context.Context, provider types.CloudProvider, raw []byte) (cloud.Driver, error) {
		var c cloudCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, trace.Wrap(err, "parsing gcp credentials")
		}
		return gcp.New(gcp.Config{ProjectID: c.ProjectID, Zone: c.Zone, CredentialsJSON: []byte(c.CredentialsJSON)})
	})
	registry.Register(types.ProviderLXD, func(ctx context.Context, provider types.CloudProvider, raw []byte) (cloud.Driver, error) {
		var c cloudCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, trace.Wrap(err, "parsing lxd credentials")
		}
		return lxd.New(lxd.Config{Endpoint: c.Endpoint, Project: c.Project})
	})
	registry.Register(types.ProviderMaaS, func(ctx context.Context, provider types.CloudProvider, raw []byte) (cloud.Driver, error) {
		var c cloudCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, trace.Wrap(err, "parsing maas credentials")
		}
		return maas.New(maas.Config{APIURL: c.APIURL, APIKey: c.APIKey})
	})
	registry.Register(types.ProviderVultr, func(ctx context.Context, provider types.CloudProvider, raw []byte) (cloud.Driver, error) {
		var c cloudCredentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, trace.Wrap(err, "parsing vultr credentials")
		}
		return vultr.New(vultr.Config{APIKey: c.APIKey})
	})
}
