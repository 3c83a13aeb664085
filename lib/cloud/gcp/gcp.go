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

// Package gcp implements the Cloud Driver contract against Compute Engine.
package gcp

import (
	"context"
	"fmt"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/gravitational/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	goughtypes "github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/cloud/common"
)

// stateMap implements spec §4.2's GCP table. STOPPING/SUSPENDING map
// to RUNNING because the spec treats them as transitional-but-still-up.
var stateMap = map[string]goughtypes.MachineState{
	"PROVISIONING": goughtypes.StatePending,
	"STAGING":      goughtypes.StatePending,
	"RUNNING":      goughtypes.StateRunning,
	"STOPPING":     goughtypes.StateRunning,
	"SUSPENDING":   goughtypes.StateRunning,
	"STOPPED":      goughtypes.StateStopped,
	"SUSPENDED":    goughtypes.StateStopped,
	"REPAIRING":    goughtypes.StateError,
	"TERMINATED":   goughtypes.StateTerminated,
}

// InstancesClient is the subset of compute.InstancesClient the driver uses.
type InstancesClient interface {
	Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error)
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (*compute.Operation, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (*compute.Operation, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest, opts ...gax.CallOption) (*compute.Operation, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest, opts ...gax.CallOption) (*compute.Operation, error)
	Reset(ctx context.Context, req *computepb.ResetInstanceRequest, opts ...gax.CallOption) (*compute.Operation, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) InstanceIterator
	GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest, opts ...gax.CallOption) (*computepb.SerialPortOutput, error)
}

// InstanceIterator abstracts compute's paging iterator for Instances.List.
type InstanceIterator interface {
	Next() (*computepb.Instance, error)
}

// ImagesClient is the subset used for ListImages.
type ImagesClient interface {
	List(ctx context.Context, req *computepb.ListImagesRequest, opts ...gax.CallOption) ImageIterator
}

type ImageIterator interface {
	Next() (*computepb.Image, error)
}

// MachineTypesClient is the subset used for ListSizes.
type MachineTypesClient interface {
	List(ctx context.Context, req *computepb.ListMachineTypesRequest, opts ...gax.CallOption) MachineTypeIterator
}

type MachineTypeIterator interface {
	Next() (*computepb.MachineType, error)
}

// RegionsClient is the subset used for ListRegions.
type RegionsClient interface {
	List(ctx context.Context, req *computepb.ListRegionsRequest, opts ...gax.CallOption) RegionIterator
}

type RegionIterator interface {
	Next() (*computepb.Region, error)
}

// Config configures a Driver.
type Config struct {
	ProjectID          string
	Zone               string
	CredentialsJSON    []byte
	Instances          InstancesClient
	Images             ImagesClient
	MachineTypes       MachineTypesClient
	Regions            RegionsClient
}

func (c *Config) CheckAndSetDefaults() error {
	if c.ProjectID == "" {
		return trace.BadParameter("gcp: ProjectID is required")
	}
	if c.Zone == "" {
		return trace.BadParameter("gcp: Zone is required")
	}
	return nil
}

// Driver implements cloud.Driver against Compute Engine.
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
	if d.cfg.Instances != nil {
		return nil
	}
	opts := []option.ClientOption{}
	if len(d.cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(d.cfg.CredentialsJSON))
	}
	instances, err := compute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		return trace.Wrap(&AuthErrorGCP{cause: err})
	}
	d.cfg.Instances = &realInstancesClient{instances}
	return nil
}

type realInstancesClient struct{ *compute.InstancesClient }

func (c *realInstancesClient) List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) InstanceIterator {
	return c.InstancesClient.List(ctx, req, opts...)
}

type AuthErrorGCP struct{ cause error }

func (e *AuthErrorGCP) Error() string { return fmt.Sprintf("gcp: authentication failed: %v", e.cause) }
func (e *AuthErrorGCP) Unwrap() error { return e.cause }

func toMachine(inst *computepb.Instance) goughtypes.Machine {
	var addrs []string
	tags := make(map[string]string)
	for _, ni := range inst.GetNetworkInterfaces() {
		if ni.GetNetworkIP() != "" {
			addrs = append(addrs, ni.GetNetworkIP())
		}
		for _, cfg := range ni.GetAccessConfigs() {
			if cfg.GetNatIP() != "" {
				addrs = append(addrs, cfg.GetNatIP())
			}
		}
	}
	if labels := inst.GetLabels(); labels != nil {
		for k, v := range labels {
			tags[k] = v
		}
	}
	public, private := common.ClassifyIP(addrs)

	return goughtypes.Machine{
		ExternalID: fmt.Sprintf("%d", inst.GetId()),
		Name:       inst.GetName(),
		State:      common.StateMap(stateMap, inst.GetStatus()),
		PublicIPs:  public,
		PrivateIPs: private,
		Tags:       tags,
	}
}

func (d *Driver) ListMachines(ctx context.Context, filters map[string]string) ([]goughtypes.Machine, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()

	req := &computepb.ListInstancesRequest{Project: d.cfg.ProjectID, Zone: d.cfg.Zone}
	if f, ok := filters["filter"]; ok {
		req.Filter = &f
	}
	it := d.cfg.Instances.List(ctx, req)
	var machines []goughtypes.Machine
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapError(err)
		}
		machines = append(machines, toMachine(inst))
	}
	return machines, nil
}

func (d *Driver) GetMachine(ctx context.Context, id string) (goughtypes.Machine, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	inst, err := d.cfg.Instances.Get(ctx, &computepb.GetInstanceRequest{Project: d.cfg.ProjectID, Zone: d.cfg.Zone, Instance: id})
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	return toMachine(inst), nil
}

func (d *Driver) CreateMachine(ctx context.Context, spec goughtypes.MachineSpec) (goughtypes.Machine, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()

	inst := &computepb.Instance{
		Name:        &spec.Name,
		MachineType: strPtr(fmt.Sprintf("zones/%s/machineTypes/%s", d.cfg.Zone, spec.Size)),
		Disks: []*computepb.AttachedDisk{{
			Boot:       boolPtr(true),
			AutoDelete: boolPtr(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: &spec.Image,
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{{
			AccessConfigs: []*computepb.AccessConfig{{Type: strPtr("ONE_TO_ONE_NAT"), Name: strPtr("External NAT")}},
		}},
	}
	if spec.CloudInit != "" {
		inst.Metadata = &computepb.Metadata{Items: []*computepb.Items{{
			Key:   strPtr("user-data"),
			Value: &spec.CloudInit,
		}}}
	}
	if len(spec.Tags) > 0 {
		inst.Labels = spec.Tags
	}

	_, err := d.cfg.Instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          d.cfg.ProjectID,
		Zone:             d.cfg.Zone,
		InstanceResource: inst,
	})
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	// Insert returns a long-running Operation; the orchestrator polls
	// GetMachine via WaitForState rather than this driver blocking here.
	return d.GetMachine(ctx, spec.Name)
}

func (d *Driver) DestroyMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.cfg.Instances.Delete(ctx, &computepb.DeleteInstanceRequest{Project: d.cfg.ProjectID, Zone: d.cfg.Zone, Instance: id})
	return wrapError(err)
}

func (d *Driver) StartMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.cfg.Instances.Start(ctx, &computepb.StartInstanceRequest{Project: d.cfg.ProjectID, Zone: d.cfg.Zone, Instance: id})
	return wrapError(err)
}

func (d *Driver) StopMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.cfg.Instances.Stop(ctx, &computepb.StopInstanceRequest{Project: d.cfg.ProjectID, Zone: d.cfg.Zone, Instance: id})
	return wrapError(err)
}

// RebootMachine uses Reset, GCP's native reboot-equivalent call.
func (d *Driver) RebootMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.cfg.Instances.Reset(ctx, &computepb.ResetInstanceRequest{Project: d.cfg.ProjectID, Zone: d.cfg.Zone, Instance: id})
	return wrapError(err)
}

func (d *Driver) ListImages(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	if d.cfg.Images == nil {
		return nil, nil
	}
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	it := d.cfg.Images.List(ctx, &computepb.ListImagesRequest{Project: d.cfg.ProjectID})
	var descs []goughtypes.Descriptor
	for {
		img, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapError(err)
		}
		descs = append(descs, goughtypes.Descriptor{ID: fmt.Sprintf("%d", img.GetId()), Name: img.GetName()})
	}
	return descs, nil
}

func (d *Driver) ListSizes(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	if d.cfg.MachineTypes == nil {
		return nil, nil
	}
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	it := d.cfg.MachineTypes.List(ctx, &computepb.ListMachineTypesRequest{Project: d.cfg.ProjectID, Zone: d.cfg.Zone})
	var descs []goughtypes.Descriptor
	for {
		mt, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapError(err)
		}
		descs = append(descs, goughtypes.Descriptor{ID: mt.GetName(), Name: mt.GetName(), Description: mt.GetDescription()})
	}
	return descs, nil
}

func (d *Driver) ListRegions(ctx context.Context) ([]goughtypes.Descriptor, error) {
	if d.cfg.Regions == nil {
		return nil, nil
	}
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	it := d.cfg.Regions.List(ctx, &computepb.ListRegionsRequest{Project: d.cfg.ProjectID})
	var descs []goughtypes.Descriptor
	for {
		r, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapError(err)
		}
		descs = append(descs, goughtypes.Descriptor{ID: r.GetName(), Name: r.GetName()})
	}
	return descs, nil
}

func (d *Driver) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	out, err := d.cfg.Instances.GetSerialPortOutput(ctx, &computepb.GetSerialPortOutputInstanceRequest{
		Project: d.cfg.ProjectID, Zone: d.cfg.Zone, Instance: id,
	})
	if err != nil {
		return "", wrapError(err)
	}
	return out.GetContents(), nil
}

func (d *Driver) SupportsCloudInit() bool { return true }

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// CloudErrorGCP is the catch-all error this driver surfaces.
type CloudErrorGCP struct {
	Message string
	Cause   error
}

func (e *CloudErrorGCP) Error() string { return e.Message }
func (e *CloudErrorGCP) Unwrap() error { return e.Cause }

// QuotaErrorGCP surfaces RESOURCE_EXHAUSTED rejections.
type QuotaErrorGCP struct{ Message string }

func (e *QuotaErrorGCP) Error() string { return e.Message }

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return trace.NotFound("gcp: %s", st.Message())
		case codes.ResourceExhausted:
			return trace.Wrap(&QuotaErrorGCP{Message: st.Message()})
		case codes.Unauthenticated, codes.PermissionDenied:
			return trace.Wrap(&AuthErrorGCP{cause: err})
		}
	}
	return trace.Wrap(&CloudErrorGCP{Message: err.Error(), Cause: err})
}
