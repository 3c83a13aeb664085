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

// Package cloud defines the Cloud Driver contract every provider
// backend implements, plus the shared WaitForState polling helper and
// the driver error taxonomy.
package cloud

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/penguintechinc/gough/api/types"
)

// Driver is the polymorphic contract every cloud backend implements.
// CreateMachine blocks until the provider accepts the request and
// returns an object reference; it does not block until the machine
// reaches a running state — callers that need that use WaitForState.
type Driver interface {
	Authenticate(ctx context.Context) error
	ListMachines(ctx context.Context, filters map[string]string) ([]types.Machine, error)
	GetMachine(ctx context.Context, id string) (types.Machine, error)
	CreateMachine(ctx context.Context, spec types.MachineSpec) (types.Machine, error)
	DestroyMachine(ctx context.Context, id string) error
	StartMachine(ctx context.Context, id string) error
	StopMachine(ctx context.Context, id string) error
	RebootMachine(ctx context.Context, id string) error
	ListImages(ctx context.Context, filters map[string]string) ([]types.Descriptor, error)
	ListSizes(ctx context.Context, filters map[string]string) ([]types.Descriptor, error)
	ListRegions(ctx context.Context) ([]types.Descriptor, error)
	GetConsoleOutput(ctx context.Context, id string) (string, error)
	SupportsCloudInit() bool
}

// RebootViaStopStart implements RebootMachine for drivers with no
// native reboot call, matching base.py's default reboot_machine.
func RebootViaStopStart(ctx context.Context, d Driver, id string) error {
	if err := d.StopMachine(ctx, id); err != nil {
		return trace.Wrap(err, "stopping machine %q for reboot", id)
	}
	return trace.Wrap(d.StartMachine(ctx, id), "starting machine %q after reboot", id)
}

// AuthError indicates the driver's credentials were rejected.
type AuthError struct{ Message string }

func (e *AuthError) Error() string { return e.Message }

// QuotaError indicates the provider refused the request for lack of
// quota or capacity (e.g. MaaS allocate-with-no-match).
type QuotaError struct{ Message string }

func (e *QuotaError) Error() string { return e.Message }

// CloudError is the catch-all driver error, carrying the underlying
// provider error and whether it looked like a network timeout.
type CloudError struct {
	Message   string
	Timeout   bool
	Cause     error
}

func (e *CloudError) Error() string { return e.Message }
func (e *CloudError) Unwrap() error { return e.Cause }

// NewCloudError wraps cause as a CloudError.
func NewCloudError(cause error, timeout bool, format string, args ...any) error {
	return trace.Wrap(&CloudError{
		Message: trace.Errorf(format, args...).Error(),
		Timeout: timeout,
		Cause:   cause,
	})
}

// WaitForStateConfig configures WaitForState polling.
type WaitForStateConfig struct {
	Clock        clockwork.Clock
	MinBackoff   time.Duration
	PollInterval time.Duration
}

func (c *WaitForStateConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = c.MinBackoff
	}
	if c.PollInterval < c.MinBackoff {
		return trace.BadParameter("cloud: PollInterval must be >= MinBackoff")
	}
	return nil
}

// TimeoutError is returned by WaitForState when the ceiling elapses
// without reaching target.
type TimeoutError struct {
	ID     string
	Target types.MachineState
}

func (e *TimeoutError) Error() string {
	return trace.Errorf("timed out waiting for machine %q to reach state %q", e.ID, e.Target).Error()
}

// WaitForState polls GetMachine until the machine reaches target,
// enters StateError (surfaced as an error), or timeout elapses.
func WaitForState(ctx context.Context, d Driver, id string, target types.MachineState, timeout time.Duration, cfg WaitForStateConfig) (types.Machine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return types.Machine{}, trace.Wrap(err)
	}
	deadline := cfg.Clock.Now().Add(timeout)
	ticker := cfg.Clock.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		m, err := d.GetMachine(ctx, id)
		if err != nil {
			return types.Machine{}, trace.Wrap(err)
		}
		if m.State == target {
			return m, nil
		}
		if m.State == types.StateError {
			return m, trace.Wrap(&CloudError{Message: trace.Errorf("machine %q entered error state while waiting for %q", id, target).Error()})
		}
		if cfg.Clock.Now().After(deadline) {
			return types.Machine{}, trace.Wrap(&TimeoutError{ID: id, Target: target})
		}
		select {
		case <-ctx.Done():
			return types.Machine{}, trace.Wrap(ctx.Err())
		case <-ticker.Chan():
		}
	}
}
