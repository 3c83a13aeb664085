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

// Package maas implements the Cloud Driver contract against
// Canonical MaaS, including the two-phase allocate/deploy create path.
package maas

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gravitational/trace"
	"github.com/juju/gomaasapi/v2"
	"github.com/sirupsen/logrus"

	goughtypes "github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/cloud/common"
)

var log = logrus.WithField(trace.Component, "cloud/maas")

// stateMap implements spec §4.2's MaaS table for the non-power-state
// part; Deployed is refined by powerState below.
var stateMap = map[string]goughtypes.MachineState{
	"New":           goughtypes.StatePending,
	"Commissioning": goughtypes.StateCommissioning,
	"Ready":         goughtypes.StateReady,
	"Allocated":     goughtypes.StateAllocated,
	"Reserved":      goughtypes.StateAllocated,
	"Deploying":     goughtypes.StateDeploying,
	"Deployed":      goughtypes.StateRunning,
}

// mapState applies the power-state override: a Deployed machine
// reporting power "off" is STOPPED rather than RUNNING.
func mapState(statusName, powerState string) goughtypes.MachineState {
	if statusName == "Deployed" && powerState == "off" {
		return goughtypes.StateStopped
	}
	return common.StateMap(stateMap, statusName)
}

// Controller is the subset of gomaasapi.Controller the driver uses.
type Controller interface {
	Machines(args gomaasapi.MachinesArgs) ([]gomaasapi.Machine, error)
	AllocateMachine(args gomaasapi.AllocateMachineArgs) (gomaasapi.Machine, gomaasapi.ConstraintMatches, error)
	ReleaseMachines(args gomaasapi.ReleaseMachinesArgs) error
}

// Config configures a Driver.
type Config struct {
	APIURL     string
	APIKey     string
	Controller Controller
}

func (c *Config) CheckAndSetDefaults() error {
	if c.APIURL == "" && c.Controller == nil {
		return trace.BadParameter("maas: APIURL is required")
	}
	return nil
}

// Driver implements cloud.Driver against MaaS.
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
	if d.cfg.Controller != nil {
		return nil
	}
	controller, err := gomaasapi.NewController(gomaasapi.ControllerArgs{
		BaseURL: d.cfg.APIURL,
		APIKey:  d.cfg.APIKey,
	})
	if err != nil {
		return trace.Wrap(&AuthErrorMaaS{cause: err})
	}
	d.cfg.Controller = controller
	return nil
}

type AuthErrorMaaS struct{ cause error }

func (e *AuthErrorMaaS) Error() string { return fmt.Sprintf("maas: authentication failed: %v", e.cause) }
func (e *AuthErrorMaaS) Unwrap() error { return e.cause }

func toMachine(m gomaasapi.Machine) goughtypes.Machine {
	var addrs []string
	for _, iface := range m.InterfaceSet() {
		for _, l := range iface.Links() {
			if l.Subnet() != nil {
				addrs = append(addrs, l.IPAddress())
			}
		}
	}
	public, private := common.ClassifyIP(addrs)

	return goughtypes.Machine{
		ExternalID: m.SystemID(),
		Name:       m.Hostname(),
		State:      mapState(m.StatusName(), m.PowerState()),
		PublicIPs:  public,
		PrivateIPs: private,
		Tags:       map[string]string{"zone": zoneName(m)},
	}
}

func zoneName(m gomaasapi.Machine) string {
	if z := m.Zone(); z != nil {
		return z.Name()
	}
	return ""
}

func (d *Driver) ListMachines(ctx context.Context, filters map[string]string) ([]goughtypes.Machine, error) {
	args := gomaasapi.MachinesArgs{}
	if z, ok := filters["zone"]; ok {
		args.Zone = z
	}
	ms, err := d.cfg.Controller.Machines(args)
	if err != nil {
		return nil, wrapError(err)
	}
	machines := make([]goughtypes.Machine, 0, len(ms))
	for _, m := range ms {
		machines = append(machines, toMachine(m))
	}
	return machines, nil
}

func (d *Driver) GetMachine(ctx context.Context, id string) (goughtypes.Machine, error) {
	ms, err := d.cfg.Controller.Machines(gomaasapi.MachinesArgs{SystemIDs: []string{id}})
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	if len(ms) == 0 {
		return goughtypes.Machine{}, trace.NotFound("maas: machine %q not found", id)
	}
	return toMachine(ms[0]), nil
}

// CreateMachine implements the spec's MaaS two-phase create: allocate
// then deploy. A failed deploy releases the machine back to the pool,
// swallowing (but logging) release errors, and allocate-with-no-match
// surfaces as a QuotaError rather than a generic CloudError.
func (d *Driver) CreateMachine(ctx context.Context, spec goughtypes.MachineSpec) (goughtypes.Machine, error) {
	allocArgs := gomaasapi.AllocateMachineArgs{}
	if spec.Size != "" {
		allocArgs.MinCPUCount = 0
	}
	if len(spec.Tags) > 0 {
		for k := range spec.Tags {
			allocArgs.Tags = append(allocArgs.Tags, k)
		}
	}

	m, _, err := d.cfg.Controller.AllocateMachine(allocArgs)
	if err != nil {
		if isNoMatchError(err) {
			return goughtypes.Machine{}, trace.Wrap(&QuotaErrorMaaS{Message: fmt.Sprintf("maas: no machine available matching request: %v", err)})
		}
		return goughtypes.Machine{}, wrapError(err)
	}

	deployArgs := gomaasapi.DeployArgs{}
	if spec.CloudInit != "" {
		deployArgs.UserData = base64.StdEncoding.EncodeToString([]byte(spec.CloudInit))
	}
	if spec.Image != "" {
		deployArgs.DistroSeries = spec.Image
	}

	if err := m.Deploy(deployArgs); err != nil {
		if relErr := d.cfg.Controller.ReleaseMachines(gomaasapi.ReleaseMachinesArgs{
			SystemIDs: []string{m.SystemID()},
			Comment:   "deploy failed, returning to pool",
		}); relErr != nil {
			log.WithError(relErr).Warn("failed to release machine after deploy failure")
		}
		return goughtypes.Machine{}, wrapError(err)
	}
	return toMachine(m), nil
}

func (d *Driver) DestroyMachine(ctx context.Context, id string) error {
	return wrapError(d.cfg.Controller.ReleaseMachines(gomaasapi.ReleaseMachinesArgs{SystemIDs: []string{id}}))
}

func (d *Driver) machineByID(id string) (gomaasapi.Machine, error) {
	ms, err := d.cfg.Controller.Machines(gomaasapi.MachinesArgs{SystemIDs: []string{id}})
	if err != nil {
		return nil, wrapError(err)
	}
	if len(ms) == 0 {
		return nil, trace.NotFound("maas: machine %q not found", id)
	}
	return ms[0], nil
}

func (d *Driver) StartMachine(ctx context.Context, id string) error {
	m, err := d.machineByID(id)
	if err != nil {
		return err
	}
	return wrapError(m.Start(gomaasapi.StartArgs{}))
}

// StopMachine and RebootMachine have no direct MaaS equivalent for a
// deployed machine beyond power control, which gomaasapi exposes only
// through the same Start/Release pair; the default stop-via-release
// semantics would destroy allocation state, so these return a
// CloudError rather than silently doing something the caller did not
// ask for.
func (d *Driver) StopMachine(ctx context.Context, id string) error {
	return trace.Wrap(&CloudErrorMaaS{Message: "maas: stop_machine is not supported; release or redeploy instead"})
}

func (d *Driver) RebootMachine(ctx context.Context, id string) error {
	return trace.Wrap(&CloudErrorMaaS{Message: "maas: reboot_machine is not supported; use the agent's own restart"})
}

func (d *Driver) ListImages(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

func (d *Driver) ListSizes(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

func (d *Driver) ListRegions(ctx context.Context) ([]goughtypes.Descriptor, error) {
	return nil, nil
}

func (d *Driver) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	return "", nil
}

func (d *Driver) SupportsCloudInit() bool { return true }

// CloudErrorMaaS is the catch-all error this driver surfaces.
type CloudErrorMaaS struct{ Message string }

func (e *CloudErrorMaaS) Error() string { return e.Message }

// QuotaErrorMaaS surfaces allocate-with-no-match.
type QuotaErrorMaaS struct{ Message string }

func (e *QuotaErrorMaaS) Error() string { return e.Message }

func isNoMatchError(err error) bool {
	_, ok := err.(gomaasapi.NoMatchError)
	return ok
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(gomaasapi.NoMatchError); ok {
		return trace.Wrap(&QuotaErrorMaaS{Message: err.Error()})
	}
	if _, ok := err.(gomaasapi.PermissionError); ok {
		return trace.Wrap(&AuthErrorMaaS{cause: err})
	}
	return trace.Wrap(&CloudErrorMaaS{Message: fmt.Sprintf("maas: %v", err)})
}
