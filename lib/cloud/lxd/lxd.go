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

// Package lxd implements the Cloud Driver contract against a LXD
// cluster or standalone daemon.
package lxd

import (
	"context"
	"fmt"

	lxdclient "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"
	"github.com/gravitational/trace"

	goughtypes "github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/cloud/common"
)

// stateMap implements spec §4.2's LXD table.
var stateMap = map[string]goughtypes.MachineState{
	"Running":  goughtypes.StateRunning,
	"Stopped":  goughtypes.StateStopped,
	"Frozen":   goughtypes.StateStopped,
	"Starting": goughtypes.StatePending,
	"Stopping": goughtypes.StatePending,
	"Aborting": goughtypes.StateError,
	"Error":    goughtypes.StateError,
}

// InstanceServer is the subset of lxdclient.InstanceServer the driver
// uses.
type InstanceServer interface {
	GetInstances(instanceType api.InstanceType) ([]api.Instance, error)
	GetInstance(name string) (*api.Instance, string, error)
	CreateInstance(req api.InstancesPost) (lxdclient.Operation, error)
	DeleteInstance(name string) (lxdclient.Operation, error)
	UpdateInstanceState(name string, state api.InstanceStatePut, etag string) (lxdclient.Operation, error)
	GetImages() ([]api.Image, error)
}

// Config configures a Driver.
type Config struct {
	Endpoint string
	Project  string
	Server   InstanceServer
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Endpoint == "" && c.Server == nil {
		return trace.BadParameter("lxd: Endpoint is required")
	}
	return nil
}

// Driver implements cloud.Driver against LXD.
type Driver struct {
	cfg Config
}

// New builds a Driver.
func New(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Driver{cfg: cfg}, nil
}

func (d *Driver) Authenticate(ctx context.Context) error {
	if d.cfg.Server != nil {
		return nil
	}
	return trace.BadParameter("lxd: no Server configured; connect via lxdclient.ConnectLXDUnix or ConnectLXD before constructing the driver")
}

func toMachine(inst api.Instance) goughtypes.Machine {
	var addrs []string
	if inst.State != nil {
		for _, net := range inst.State.Network {
			for _, a := range net.Addresses {
				if a.Scope == "global" {
					addrs = append(addrs, a.Address)
				}
			}
		}
	}
	public, private := common.ClassifyIP(addrs)

	return goughtypes.Machine{
		ExternalID: inst.Name,
		Name:       inst.Name,
		State:      common.StateMap(stateMap, inst.Status),
		PublicIPs:  public,
		PrivateIPs: private,
		Tags:       cloneStringMap(inst.Config),
	}
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *Driver) ListMachines(ctx context.Context, filters map[string]string) ([]goughtypes.Machine, error) {
	insts, err := d.cfg.Server.GetInstances(api.InstanceTypeAny)
	if err != nil {
		return nil, wrapError(err)
	}
	machines := make([]goughtypes.Machine, 0, len(insts))
	for _, inst := range insts {
		machines = append(machines, toMachine(inst))
	}
	return machines, nil
}

func (d *Driver) GetMachine(ctx context.Context, id string) (goughtypes.Machine, error) {
	inst, _, err := d.cfg.Server.GetInstance(id)
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	return toMachine(*inst), nil
}

func (d *Driver) CreateMachine(ctx context.Context, spec goughtypes.MachineSpec) (goughtypes.Machine, error) {
	config := make(map[string]string)
	for k, v := range spec.Tags {
		config[k] = v
	}
	if spec.CloudInit != "" {
		config["user.user-data"] = spec.CloudInit
	}

	req := api.InstancesPost{
		Name: spec.Name,
		Source: api.InstanceSource{
			Type:        "image",
			Fingerprint: spec.Image,
		},
		InstancePut: api.InstancePut{
			Config: config,
			Profiles: []string{"default"},
		},
	}
	if spec.Size != "" {
		req.InstancePut.Config["limits.cpu"] = spec.Size
	}

	op, err := d.cfg.Server.CreateInstance(req)
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	if err := opWait(op); err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	return d.GetMachine(ctx, spec.Name)
}

func opWait(op lxdclient.Operation) error {
	return op.Wait()
}

func (d *Driver) DestroyMachine(ctx context.Context, id string) error {
	op, err := d.cfg.Server.DeleteInstance(id)
	if err != nil {
		return wrapError(err)
	}
	return wrapError(opWait(op))
}

func (d *Driver) setState(id, action string, force bool) error {
	op, err := d.cfg.Server.UpdateInstanceState(id, api.InstanceStatePut{
		Action:  action,
		Timeout: -1,
		Force:   force,
	}, "")
	if err != nil {
		return wrapError(err)
	}
	return wrapError(opWait(op))
}

func (d *Driver) StartMachine(ctx context.Context, id string) error { return d.setState(id, "start", false) }
func (d *Driver) StopMachine(ctx context.Context, id string) error  { return d.setState(id, "stop", false) }
func (d *Driver) RebootMachine(ctx context.Context, id string) error {
	return d.setState(id, "restart", false)
}

func (d *Driver) ListImages(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	imgs, err := d.cfg.Server.GetImages()
	if err != nil {
		return nil, wrapError(err)
	}
	descs := make([]goughtypes.Descriptor, 0, len(imgs))
	for _, img := range imgs {
		name := img.Properties["description"]
		if name == "" {
			name = img.Fingerprint
		}
		descs = append(descs, goughtypes.Descriptor{ID: img.Fingerprint, Name: name})
	}
	return descs, nil
}

// ListSizes has no LXD equivalent: containers/VMs are sized via
// per-instance limits.cpu/limits.memory config keys, not a catalog of
// named SKUs, so this returns an empty list rather than inventing one.
func (d *Driver) ListSizes(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

// ListRegions has no LXD equivalent for a single daemon/cluster
// target; callers address a cluster member via spec.Extra instead.
func (d *Driver) ListRegions(ctx context.Context) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

// GetConsoleOutput is unsupported on LXD and always returns "": only
// the AWS and GCP drivers return console text.
func (d *Driver) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	return "", nil
}

func (d *Driver) SupportsCloudInit() bool { return true }

// CloudErrorLXD is the catch-all error this driver surfaces.
type CloudErrorLXD struct{ Message string }

func (e *CloudErrorLXD) Error() string { return e.Message }

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(api.StatusError); ok && apiErr.Status() == "Not Found" {
		return trace.NotFound("lxd: %s", err.Error())
	}
	return trace.Wrap(&CloudErrorLXD{Message: fmt.Sprintf("lxd: %v", err)})
}
