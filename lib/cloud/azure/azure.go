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

// Package azure implements the Cloud Driver contract against Azure
// Virtual Machines.
package azure

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	armcompute "github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v3"
	"github.com/gravitational/trace"

	goughtypes "github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/cloud/common"
)

// powerStateMap covers the power-state half of the Azure mapping rule.
var powerStateMap = map[string]goughtypes.MachineState{
	"PowerState/running":      goughtypes.StateRunning,
	"PowerState/stopped":      goughtypes.StateStopped,
	"PowerState/deallocated":  goughtypes.StateStopped,
	"PowerState/starting":     goughtypes.StatePending,
	"PowerState/stopping":     goughtypes.StatePending,
	"PowerState/deallocating": goughtypes.StatePending,
}

// provisioningStateMap covers the terminal/transitional provisioning
// states that take precedence over power state per spec §4.2.
var provisioningStateMap = map[string]goughtypes.MachineState{
	"Failed":   goughtypes.StateError,
	"Canceled": goughtypes.StateError,
	"Creating": goughtypes.StatePending,
	"Updating": goughtypes.StatePending,
	"Deleting": goughtypes.StatePending,
}

// mapState implements the Azure precedence rule: provisioning state
// wins for the named terminal/transitional values; otherwise the
// power state (read off the instance view) decides.
func mapState(provisioningState, powerState string) goughtypes.MachineState {
	if s, ok := provisioningStateMap[provisioningState]; ok {
		return s
	}
	return common.StateMap(powerStateMap, powerState)
}

// VMClient is the subset of armcompute.VirtualMachinesClient the
// driver uses. It returns the SDK's own poller/pager types directly.
// The driver calls PollUntilDone in create under a 30s bounded context
// for the inline-wait UX, and in destroy, start, stop and reboot under
// the caller's context, so those calls return once the operation is
// done.
type VMClient interface {
	Get(ctx context.Context, resourceGroup, vmName string, opts *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error)
	BeginCreateOrUpdate(ctx context.Context, resourceGroup, vmName string, parameters armcompute.VirtualMachine, opts *armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error)
	BeginDelete(ctx context.Context, resourceGroup, vmName string, opts *armcompute.VirtualMachinesClientBeginDeleteOptions) (*runtime.Poller[armcompute.VirtualMachinesClientDeleteResponse], error)
	BeginStart(ctx context.Context, resourceGroup, vmName string, opts *armcompute.VirtualMachinesClientBeginStartOptions) (*runtime.Poller[armcompute.VirtualMachinesClientStartResponse], error)
	BeginPowerOff(ctx context.Context, resourceGroup, vmName string, opts *armcompute.VirtualMachinesClientBeginPowerOffOptions) (*runtime.Poller[armcompute.VirtualMachinesClientPowerOffResponse], error)
	BeginRestart(ctx context.Context, resourceGroup, vmName string, opts *armcompute.VirtualMachinesClientBeginRestartOptions) (*runtime.Poller[armcompute.VirtualMachinesClientRestartResponse], error)
	InstanceView(ctx context.Context, resourceGroup, vmName string, opts *armcompute.VirtualMachinesClientInstanceViewOptions) (armcompute.VirtualMachinesClientInstanceViewResponse, error)
	NewListPager(resourceGroup string, opts *armcompute.VirtualMachinesClientListOptions) *runtime.Pager[armcompute.VirtualMachinesClientListResponse]
}

// Config configures a Driver.
type Config struct {
	SubscriptionID string
	ResourceGroup  string
	Location       string
	TenantID       string
	ClientID       string
	ClientSecret   string
	VMs            VMClient
}

func (c *Config) CheckAndSetDefaults() error {
	if c.SubscriptionID == "" {
		return trace.BadParameter("azure: SubscriptionID is required")
	}
	if c.ResourceGroup == "" {
		return trace.BadParameter("azure: ResourceGroup is required")
	}
	return nil
}

// Driver implements cloud.Driver against Azure VMs.
type Driver struct {
	cfg Config
}

// New builds a Driver. Real client construction happens in Authenticate.
func New(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Driver{cfg: cfg}, nil
}

func (d *Driver) Authenticate(ctx context.Context) error {
	if d.cfg.VMs != nil {
		return nil
	}
	cred, err := azidentity.NewClientSecretCredential(d.cfg.TenantID, d.cfg.ClientID, d.cfg.ClientSecret, nil)
	if err != nil {
		return trace.Wrap(&AuthErrorAzure{cause: err})
	}
	client, err := armcompute.NewVirtualMachinesClient(d.cfg.SubscriptionID, cred, nil)
	if err != nil {
		return trace.Wrap(&AuthErrorAzure{cause: err})
	}
	d.cfg.VMs = client
	return nil
}

// *armcompute.VirtualMachinesClient satisfies VMClient directly: its
// methods already return the SDK's own runtime.Poller/runtime.Pager
// types named in the interface above.
var _ VMClient = (*armcompute.VirtualMachinesClient)(nil)

type AuthErrorAzure struct{ cause error }

func (e *AuthErrorAzure) Error() string { return fmt.Sprintf("azure: authentication failed: %v", e.cause) }
func (e *AuthErrorAzure) Unwrap() error { return e.cause }

func toMachine(vm armcompute.VirtualMachine, powerState string) goughtypes.Machine {
	var addrs []string
	tags := make(map[string]string)
	for k, v := range vm.Tags {
		if v != nil {
			tags[k] = *v
		}
	}
	provisioningState := ""
	if vm.Properties != nil && vm.Properties.ProvisioningState != nil {
		provisioningState = *vm.Properties.ProvisioningState
	}

	m := goughtypes.Machine{
		Name:  deref(vm.Name),
		State: mapState(provisioningState, powerState),
		Tags:  tags,
	}
	if vm.ID != nil {
		m.ExternalID = *vm.ID
	}
	if vm.Location != nil {
		m.Region = *vm.Location
	}
	public, private := common.ClassifyIP(addrs)
	m.PublicIPs, m.PrivateIPs = public, private
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func instancePowerState(view armcompute.VirtualMachineInstanceView) string {
	for _, s := range view.Statuses {
		if s.Code != nil && strings.HasPrefix(*s.Code, "PowerState/") {
			return *s.Code
		}
	}
	return ""
}

func (d *Driver) ListMachines(ctx context.Context, filters map[string]string) ([]goughtypes.Machine, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()

	pager := d.cfg.VMs.NewListPager(d.cfg.ResourceGroup, nil)
	var machines []goughtypes.Machine
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, vm := range page.Value {
			if vm == nil {
				continue
			}
			power := ""
			if view, err := d.cfg.VMs.InstanceView(ctx, d.cfg.ResourceGroup, deref(vm.Name), nil); err == nil {
				power = instancePowerState(view.VirtualMachineInstanceView)
			}
			machines = append(machines, toMachine(*vm, power))
		}
	}
	return machines, nil
}

func (d *Driver) GetMachine(ctx context.Context, id string) (goughtypes.Machine, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	resp, err := d.cfg.VMs.Get(ctx, d.cfg.ResourceGroup, id, nil)
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	power := ""
	if view, err := d.cfg.VMs.InstanceView(ctx, d.cfg.ResourceGroup, id, nil); err == nil {
		power = instancePowerState(view.VirtualMachineInstanceView)
	}
	return toMachine(resp.VirtualMachine, power), nil
}

func (d *Driver) CreateMachine(ctx context.Context, spec goughtypes.MachineSpec) (goughtypes.Machine, error) {
	if spec.CloudInit != "" && !d.SupportsCloudInit() {
		return goughtypes.Machine{}, trace.BadParameter("azure: driver does not support cloud_init")
	}
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()

	vmSize := armcompute.VirtualMachineSizeTypes(spec.Size)
	vm := armcompute.VirtualMachine{
		Location: &d.cfg.Location,
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{VMSize: &vmSize},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &armcompute.ImageReference{ID: &spec.Image},
			},
		},
	}
	if spec.CloudInit != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(spec.CloudInit))
		vm.Properties.OSProfile = &armcompute.OSProfile{CustomData: &encoded, ComputerName: &spec.Name}
	}
	if len(spec.Tags) > 0 {
		vm.Tags = make(map[string]*string, len(spec.Tags))
		for k, v := range spec.Tags {
			val := v
			vm.Tags[k] = &val
		}
	}

	poller, err := d.cfg.VMs.BeginCreateOrUpdate(ctx, d.cfg.ResourceGroup, spec.Name, vm, nil)
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	// Bounded inline wait per §4.3 ("max_inline_wait_s", default 30s);
	// the orchestrator still polls afterward via WaitForState.
	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	resp, err := poller.PollUntilDone(waitCtx, &runtime.PollUntilDoneOptions{Frequency: 2 * time.Second})
	if err != nil {
		return d.GetMachine(ctx, spec.Name)
	}
	return toMachine(resp.VirtualMachine, ""), nil
}

func (d *Driver) DestroyMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	poller, err := d.cfg.VMs.BeginDelete(ctx, d.cfg.ResourceGroup, id, nil)
	if err != nil {
		return wrapError(err)
	}
	_, err = poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: 2 * time.Second})
	return wrapError(err)
}

func (d *Driver) StartMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	poller, err := d.cfg.VMs.BeginStart(ctx, d.cfg.ResourceGroup, id, nil)
	if err != nil {
		return wrapError(err)
	}
	_, err = poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: 2 * time.Second})
	return wrapError(err)
}

func (d *Driver) StopMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	poller, err := d.cfg.VMs.BeginPowerOff(ctx, d.cfg.ResourceGroup, id, nil)
	if err != nil {
		return wrapError(err)
	}
	_, err = poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: 2 * time.Second})
	return wrapError(err)
}

func (d *Driver) RebootMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	poller, err := d.cfg.VMs.BeginRestart(ctx, d.cfg.ResourceGroup, id, nil)
	if err != nil {
		return wrapError(err)
	}
	_, err = poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: 2 * time.Second})
	return wrapError(err)
}

// ListImages, ListSizes and ListRegions are served from the Azure
// Compute RP's publisher/offer/SKU and resource-SKU catalogs, which
// sit behind separate SDK clients this driver's narrow Config does
// not wire; operators configure available images/sizes out of band
// via the catalog endpoints instead.
func (d *Driver) ListImages(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

func (d *Driver) ListSizes(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

func (d *Driver) ListRegions(ctx context.Context) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

// GetConsoleOutput is unsupported: Azure exposes boot diagnostics via
// a separate storage blob, not a synchronous API call.
func (d *Driver) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	return "", nil
}

func (d *Driver) SupportsCloudInit() bool { return true }

// CloudErrorAzure is the catch-all error this driver surfaces.
type CloudErrorAzure struct {
	Message string
	Cause   error
}

func (e *CloudErrorAzure) Error() string { return e.Message }
func (e *CloudErrorAzure) Unwrap() error { return e.Cause }

// QuotaErrorAzure surfaces quota/throttling rejections (HTTP 429).
type QuotaErrorAzure struct{ Message string }

func (e *QuotaErrorAzure) Error() string { return e.Message }

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if asResponseError(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return trace.NotFound("azure: %s", respErr.ErrorCode)
		case 429:
			return trace.Wrap(&QuotaErrorAzure{Message: respErr.ErrorCode})
		case 401, 403:
			return trace.Wrap(&AuthErrorAzure{cause: err})
		}
	}
	return trace.Wrap(&CloudErrorAzure{Message: err.Error(), Cause: err})
}

func asResponseError(err error, target **azcore.ResponseError) bool {
	for err != nil {
		if re, ok := err.(*azcore.ResponseError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
