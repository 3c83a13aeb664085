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

package cloud

import (
	"context"
	"io"
	"sync"

	"github.com/gravitational/trace"

	"github.com/penguintechinc/gough/api/types"
)

// DriverFactory constructs a Driver for one CloudProvider row, lazily
// authenticating on first use.
type DriverFactory func(ctx context.Context, provider types.CloudProvider, credentials []byte) (Driver, error)

// Registry caches one Driver instance per CloudProvider ID, the way
// lib/cloud/clients.go's Clients caches per-service clients: built
// lazily, guarded by a mutex, torn down together via Close.
type Registry struct {
	mu        sync.Mutex
	factories map[types.ProviderType]DriverFactory
	drivers   map[string]Driver
}

// NewRegistry returns an empty Registry. Register a DriverFactory per
// ProviderType before calling Get.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[types.ProviderType]DriverFactory),
		drivers:   make(map[string]Driver),
	}
}

// Register binds a DriverFactory to a ProviderType.
func (r *Registry) Register(pt types.ProviderType, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[pt] = factory
}

// Get returns the pooled Driver for provider, constructing it on
// first use via the registered factory for provider.Type.
func (r *Registry) Get(ctx context.Context, provider types.CloudProvider, credentials []byte) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[provider.ID]; ok {
		return d, nil
	}
	factory, ok := r.factories[provider.Type]
	if !ok {
		return nil, trace.BadParameter("cloud: no driver registered for provider type %q", provider.Type)
	}
	d, err := factory(ctx, provider, credentials)
	if err != nil {
		return nil, trace.Wrap(err, "constructing driver for provider %q", provider.Name)
	}
	r.drivers[provider.ID] = d
	return d, nil
}

// Invalidate drops the cached driver for providerID, forcing the next
// Get to reconstruct it (used after an auth error forces a retry with
// refreshed credentials).
func (r *Registry) Invalidate(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[providerID]; ok {
		if closer, ok := d.(io.Closer); ok {
			_ = closer.Close()
		}
		delete(r.drivers, providerID)
	}
}

// Close tears down every pooled driver that implements io.Closer.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, d := range r.drivers {
		if closer, ok := d.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(r.drivers, id)
	}
	return firstErr
}
