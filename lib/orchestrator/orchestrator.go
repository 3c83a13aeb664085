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

// Package orchestrator coordinates per-request cloud driver dispatch
// and the background inventory-sync loop that reconciles the Machine
// cache against what each active provider actually reports.
package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend"
	"github.com/penguintechinc/gough/lib/cloud"
	"github.com/penguintechinc/gough/lib/secrets"
)

var log = logrus.WithField(trace.Component, "orchestrator")

// CredentialsKey returns the Secrets Store path a provider's
// credentials blob is stored under.
func CredentialsKey(providerID string) string {
	return fmt.Sprintf("provider/%s/credentials", providerID)
}

// WebhookSecretKey returns the Secrets Store path a provider's webhook
// HMAC shared secret is stored under.
func WebhookSecretKey(providerID string) string {
	return fmt.Sprintf("provider/%s/webhook-secret", providerID)
}

// Config configures an Orchestrator.
type Config struct {
	Backend  backend.Backend
	Registry *cloud.Registry
	Secrets  secrets.Store
	Clock    clockwork.Clock

	// SyncInterval is the base inventory-sync period; each provider's
	// actual tick is jittered by up to ±10% of this value.
	SyncInterval time.Duration
	// MaxInlineWait bounds the best-effort post-create wait for a
	// machine to reach RUNNING before returning it in a transitional
	// state.
	MaxInlineWait time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("orchestrator: Backend is required")
	}
	if c.Registry == nil {
		return trace.BadParameter("orchestrator: Registry is required")
	}
	if c.Secrets == nil {
		return trace.BadParameter("orchestrator: Secrets is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 60 * time.Second
	}
	if c.MaxInlineWait == 0 {
		c.MaxInlineWait = 30 * time.Second
	}
	return nil
}

// Orchestrator dispatches cloud operations and reconciles the Machine
// cache. The zero value is not usable; construct with New.
type Orchestrator struct {
	cfg Config

	// createLocks serializes create_machine per (provider_id, name) to
	// avoid provider duplicate-name races, per the documented
	// concurrency model. Entries are never removed: the set of
	// distinct names in flight over a process lifetime is small
	// relative to the memory cost of a mutex.
	createMu sync.Mutex
	createLocks map[string]*sync.Mutex
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{cfg: cfg, createLocks: make(map[string]*sync.Mutex)}, nil
}

func (o *Orchestrator) createLock(providerID, name string) *sync.Mutex {
	o.createMu.Lock()
	defer o.createMu.Unlock()
	key := providerID + "/" + name
	mu, ok := o.createLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		o.createLocks[key] = mu
	}
	return mu
}

// driverFor resolves provider, loads its credentials, and returns the
// pooled driver instance.
func (o *Orchestrator) driverFor(ctx context.Context, providerID string) (cloud.Driver, types.CloudProvider, error) {
	provider, err := o.cfg.Backend.GetProvider(ctx, providerID)
	if err != nil {
		return nil, types.CloudProvider{}, trace.Wrap(err)
	}
	creds, err := o.cfg.Secrets.Get(ctx, CredentialsKey(providerID))
	if err != nil {
		return nil, types.CloudProvider{}, trace.Wrap(err, "loading credentials for provider %q", providerID)
	}
	d, err := o.cfg.Registry.Get(ctx, provider, creds)
	if err != nil {
		return nil, types.CloudProvider{}, trace.Wrap(err)
	}
	return d, provider, nil
}

// GetMachine dispatches to the driver and does not touch the cache;
// callers that want the freshest possible row for display should
// prefer the cache (ListMachinesByProvider) and only fall through here
// for operations that need provider-authoritative state.
func (o *Orchestrator) GetMachine(ctx context.Context, providerID, externalID string) (types.Machine, error) {
	d, provider, err := o.driverFor(ctx, providerID)
	if err != nil {
		return types.Machine{}, trace.Wrap(err)
	}
	m, err := d.GetMachine(ctx, externalID)
	if err != nil {
		return types.Machine{}, trace.Wrap(err)
	}
	m.ProviderID = provider.ID
	return m, nil
}

// ListMachines dispatches to the driver directly (not the cache) and
// is used by the sync loop and by admin-triggered refreshes.
func (o *Orchestrator) ListMachines(ctx context.Context, providerID string) ([]types.Machine, error) {
	d, provider, err := o.driverFor(ctx, providerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ms, err := d.ListMachines(ctx, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range ms {
		ms[i].ProviderID = provider.ID
	}
	return ms, nil
}

// CreateMachine serializes per (provider_id, spec.Name), dispatches to
// the driver, writes the result through to the cache, and makes a
// best-effort bounded wait for the machine to reach RUNNING before
// returning — never blocking past MaxInlineWait.
func (o *Orchestrator) CreateMachine(ctx context.Context, providerID string, spec types.MachineSpec) (types.Machine, error) {
	lock := o.createLock(providerID, spec.Name)
	lock.Lock()
	defer lock.Unlock()

	d, provider, err := o.driverFor(ctx, providerID)
	if err != nil {
		return types.Machine{}, trace.Wrap(err)
	}

	m, err := d.CreateMachine(ctx, spec)
	if err != nil {
		return types.Machine{}, trace.Wrap(err)
	}
	m.ProviderID = provider.ID

	m = o.awaitRunningBestEffort(ctx, d, m)

	stored, err := o.cfg.Backend.UpsertMachine(ctx, m)
	if err != nil {
		return types.Machine{}, trace.Wrap(err, "writing through newly created machine %q", m.ExternalID)
	}
	return stored, nil
}

// awaitRunningBestEffort waits up to MaxInlineWait for m to reach
// RUNNING; a timeout or any polling error is swallowed and m is
// returned in whatever state GetMachine last reported, since the
// orchestrator must never hold an HTTP request open past this bound.
func (o *Orchestrator) awaitRunningBestEffort(ctx context.Context, d cloud.Driver, m types.Machine) types.Machine {
	if m.State == types.StateRunning || m.State == types.StateError || m.State == types.StateTerminated {
		return m
	}
	waited, err := cloud.WaitForState(ctx, d, m.ExternalID, types.StateRunning, o.cfg.MaxInlineWait, cloud.WaitForStateConfig{Clock: o.cfg.Clock})
	if err != nil {
		return m
	}
	waited.ProviderID = m.ProviderID
	return waited
}

func (o *Orchestrator) mutate(ctx context.Context, providerID, externalID string, op func(cloud.Driver, context.Context, string) error) error {
	d, _, err := o.driverFor(ctx, providerID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(op(d, ctx, externalID))
}

func (o *Orchestrator) DestroyMachine(ctx context.Context, providerID, externalID string) error {
	return o.mutate(ctx, providerID, externalID, func(d cloud.Driver, ctx context.Context, id string) error { return d.DestroyMachine(ctx, id) })
}

func (o *Orchestrator) StartMachine(ctx context.Context, providerID, externalID string) error {
	return o.mutate(ctx, providerID, externalID, func(d cloud.Driver, ctx context.Context, id string) error { return d.StartMachine(ctx, id) })
}

func (o *Orchestrator) StopMachine(ctx context.Context, providerID, externalID string) error {
	return o.mutate(ctx, providerID, externalID, func(d cloud.Driver, ctx context.Context, id string) error { return d.StopMachine(ctx, id) })
}

func (o *Orchestrator) RebootMachine(ctx context.Context, providerID, externalID string) error {
	return o.mutate(ctx, providerID, externalID, func(d cloud.Driver, ctx context.Context, id string) error { return d.RebootMachine(ctx, id) })
}

func (o *Orchestrator) ListImages(ctx context.Context, providerID string, filters map[string]string) ([]types.Descriptor, error) {
	d, _, err := o.driverFor(ctx, providerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return d.ListImages(ctx, filters)
}

func (o *Orchestrator) ListSizes(ctx context.Context, providerID string, filters map[string]string) ([]types.Descriptor, error) {
	d, _, err := o.driverFor(ctx, providerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return d.ListSizes(ctx, filters)
}

func (o *Orchestrator) ListRegions(ctx context.Context, providerID string) ([]types.Descriptor, error) {
	d, _, err := o.driverFor(ctx, providerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return d.ListRegions(ctx)
}

func (o *Orchestrator) GetConsoleOutput(ctx context.Context, providerID, externalID string) (string, error) {
	d, _, err := o.driverFor(ctx, providerID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return d.GetConsoleOutput(ctx, externalID)
}

// jitteredInterval returns base adjusted by a uniformly random amount
// in [-10%, +10%], matching the documented "every 60s, jittered ±10%"
// sync cadence.
func jitteredInterval(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	spread := float64(base) * 0.1
	offset := (rand.Float64()*2 - 1) * spread
	return base + time.Duration(offset)
}

// RunSync runs the inventory-sync loop until ctx is canceled. Each
// active provider gets its own jittered ticker so a slow provider
// never delays reconciliation of the others.
func (o *Orchestrator) RunSync(ctx context.Context) {
	running := make(map[string]context.CancelFunc)
	var mu sync.Mutex
	defer func() {
		mu.Lock()
		for _, cancel := range running {
			cancel()
		}
		mu.Unlock()
	}()

	ticker := o.cfg.Clock.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()

	refresh := func() {
		providers, err := o.cfg.Backend.ListActiveProviders(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to list active providers for sync")
			return
		}
		seen := make(map[string]struct{}, len(providers))
		mu.Lock()
		defer mu.Unlock()
		for _, p := range providers {
			seen[p.ID] = struct{}{}
			if _, ok := running[p.ID]; ok {
				continue
			}
			workerCtx, cancel := context.WithCancel(ctx)
			running[p.ID] = cancel
			go o.syncWorker(workerCtx, p)
		}
		for id, cancel := range running {
			if _, ok := seen[id]; !ok {
				cancel()
				delete(running, id)
			}
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			refresh()
		}
	}
}

// syncWorker owns one provider's reconciliation ticker for as long as
// the provider stays active.
func (o *Orchestrator) syncWorker(ctx context.Context, provider types.CloudProvider) {
	for {
		interval := jitteredInterval(o.cfg.SyncInterval)
		timer := o.cfg.Clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if err := o.reconcileProvider(ctx, provider); err != nil {
			log.WithError(err).WithField("provider", provider.Name).Warn("inventory sync failed")
		}
	}
}

// reconcileProvider implements the three reconciliation rules: insert
// new machines, mark vanished ones TERMINATED, and update overlapping
// mutable fields. It never touches (provider_id, external_id) or
// created_at on an existing row.
func (o *Orchestrator) reconcileProvider(ctx context.Context, provider types.CloudProvider) error {
	live, err := o.ListMachines(ctx, provider.ID)
	if err != nil {
		return trace.Wrap(err, "listing machines for provider %q", provider.Name)
	}

	present := make(map[string]struct{}, len(live))
	now := o.cfg.Clock.Now()
	for _, m := range live {
		present[m.ExternalID] = struct{}{}
		m.UpdatedAt = now
		if _, err := o.cfg.Backend.UpsertMachine(ctx, m); err != nil {
			log.WithError(err).WithField("machine", m.ExternalID).Warn("failed to upsert machine during sync")
		}
	}

	if err := o.cfg.Backend.MarkTerminatedIfMissing(ctx, provider.ID, present, now); err != nil {
		return trace.Wrap(err, "marking vanished machines terminated for provider %q", provider.Name)
	}

	return trace.Wrap(o.cfg.Backend.UpdateProviderSyncTime(ctx, provider.ID, now))
}

// HandleWebhook verifies the HMAC-SHA256 signature over rawBody using
// the provider's shared webhook secret, dedups by RecordWebhook, and
// (for a fresh event) reconciles only the single affected machine
// rather than waiting for the next sync tick.
func (o *Orchestrator) HandleWebhook(ctx context.Context, providerID string, rawBody []byte, signature string, ev types.WebhookEvent) error {
	secret, err := o.cfg.Secrets.Get(ctx, WebhookSecretKey(providerID))
	if err != nil {
		return trace.Wrap(err, "loading webhook secret for provider %q", providerID)
	}
	if !verifyHMAC(secret, rawBody, signature) {
		return trace.AccessDenied("webhook signature mismatch for provider %q", providerID)
	}

	inserted, err := o.cfg.Backend.RecordWebhook(ctx, ev)
	if err != nil {
		return trace.Wrap(err)
	}
	if !inserted {
		return nil
	}

	d, provider, err := o.driverFor(ctx, providerID)
	if err != nil {
		return trace.Wrap(err)
	}
	m, err := d.GetMachine(ctx, ev.ResourceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	m.ProviderID = provider.ID
	m.UpdatedAt = o.cfg.Clock.Now()

	// UpdateMachineIfNewer enforces last-writer-wins on updated_at, so a
	// webhook racing the sync loop for the same machine cannot clobber a
	// fresher row.
	if _, err := o.cfg.Backend.UpdateMachineIfNewer(ctx, m); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// verifyHMAC reports whether signature (hex-encoded) matches the
// HMAC-SHA256 of body under secret, using a constant-time comparison.
func verifyHMAC(secret, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
