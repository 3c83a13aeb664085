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

// Package aws implements the Cloud Driver contract against EC2.
package aws

import (
	"context"
	"encoding/base64"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/gravitational/trace"

	goughtypes "github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/cloud/common"
)

// stateMap implements spec §4.2's AWS table verbatim.
var stateMap = map[string]goughtypes.MachineState{
	"pending":       goughtypes.StatePending,
	"running":       goughtypes.StateRunning,
	"stopping":      goughtypes.StatePending,
	"stopped":       goughtypes.StateStopped,
	"shutting-down": goughtypes.StateTerminated,
	"terminated":    goughtypes.StateTerminated,
}

// Client is the subset of the EC2 SDK v2 surface the driver uses,
// narrowed to an interface so tests can supply a fake.
type Client interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, in *ec2.RebootInstancesInput, opts ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstanceTypes(ctx context.Context, in *ec2.DescribeInstanceTypesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, opts ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
	GetConsoleOutput(ctx context.Context, in *ec2.GetConsoleOutputInput, opts ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error)
}

// Config configures a Driver.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Client, if set, overrides client construction (used by tests).
	Client Client
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Region == "" {
		return trace.BadParameter("aws: Region is required")
	}
	return nil
}

// Driver implements cloud.Driver against EC2.
type Driver struct {
	cfg    Config
	client Client
}

// New builds a Driver. Credentials are authenticated lazily by
// Authenticate, matching the "called lazily on first use" contract.
func New(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Driver{cfg: cfg, client: cfg.Client}, nil
}

func (d *Driver) Authenticate(ctx context.Context) error {
	if d.client != nil {
		return nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(d.cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			d.cfg.AccessKeyID, d.cfg.SecretAccessKey, d.cfg.SessionToken,
		)),
	)
	if err != nil {
		return trace.Wrap(&cloudAuthError{cause: err})
	}
	d.client = ec2.NewFromConfig(awsCfg)
	return nil
}

type cloudAuthError struct{ cause error }

func (e *cloudAuthError) Error() string { return fmt.Sprintf("aws: authentication failed: %v", e.cause) }
func (e *cloudAuthError) Unwrap() error { return e.cause }

func toMachine(inst types.Instance) goughtypes.Machine {
	var addrs []string
	if inst.PublicIpAddress != nil {
		addrs = append(addrs, *inst.PublicIpAddress)
	}
	if inst.PrivateIpAddress != nil {
		addrs = append(addrs, *inst.PrivateIpAddress)
	}
	public, private := common.ClassifyIP(addrs)

	tags := make(map[string]string, len(inst.Tags))
	name := ""
	for _, t := range inst.Tags {
		if t.Key == nil || t.Value == nil {
			continue
		}
		tags[*t.Key] = *t.Value
		if *t.Key == "Name" {
			name = *t.Value
		}
	}

	native := ""
	if inst.State != nil {
		native = string(inst.State.Name)
	}

	m := goughtypes.Machine{
		ExternalID: awssdk.ToString(inst.InstanceId),
		Name:       name,
		State:      common.StateMap(stateMap, native),
		PublicIPs:  public,
		PrivateIPs: private,
		Tags:       tags,
	}
	if inst.Placement != nil {
		m.Region = awssdk.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.ImageId != nil {
		m.Image = *inst.ImageId
	}
	if inst.InstanceType != "" {
		m.Size = string(inst.InstanceType)
	}
	return m
}

func (d *Driver) ListMachines(ctx context.Context, filters map[string]string) ([]goughtypes.Machine, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()

	in := &ec2.DescribeInstancesInput{}
	for k, v := range filters {
		in.Filters = append(in.Filters, types.Filter{Name: awssdk.String(k), Values: []string{v}})
	}

	var machines []goughtypes.Machine
	paginator := ec2.NewDescribeInstancesPaginator(awsPaginatorClient{d.client}, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				machines = append(machines, toMachine(inst))
			}
		}
	}
	return machines, nil
}

// awsPaginatorClient adapts Client to ec2.DescribeInstancesAPIClient.
type awsPaginatorClient struct{ Client }

func (d *Driver) GetMachine(ctx context.Context, id string) (goughtypes.Machine, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()

	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return toMachine(inst), nil
		}
	}
	return goughtypes.Machine{}, trace.NotFound("aws: instance %q not found", id)
}

// buildRunInstancesInput applies the AWS composition rule: when
// associate_public_ip is requested together with a subnet, the
// request uses a NetworkInterfaces block instead of the top-level
// SubnetId/SecurityGroupIds pair, which EC2 rejects if both are set.
func buildRunInstancesInput(spec goughtypes.MachineSpec) *ec2.RunInstancesInput {
	in := &ec2.RunInstancesInput{
		ImageId:      awssdk.String(spec.Image),
		InstanceType: types.InstanceType(spec.Size),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		KeyName:      firstOrEmpty(spec.SSHKeys),
	}

	associatePublicIP, _ := spec.Extra["associate_public_ip"].(bool)
	subnetID, _ := spec.Extra["subnet_id"].(string)
	var sgIDs []string
	if len(spec.Networks) > 0 {
		sgIDs = spec.Networks
	}

	if associatePublicIP && subnetID != "" {
		in.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              awssdk.Int32(0),
			SubnetId:                 awssdk.String(subnetID),
			Groups:                   sgIDs,
			AssociatePublicIpAddress: awssdk.Bool(true),
		}}
	} else if subnetID != "" {
		in.SubnetId = awssdk.String(subnetID)
		in.SecurityGroupIds = sgIDs
	}

	if spec.CloudInit != "" {
		in.UserData = awssdk.String(base64.StdEncoding.EncodeToString([]byte(spec.CloudInit)))
	}

	if len(spec.Tags) > 0 {
		var tagList []types.Tag
		for k, v := range spec.Tags {
			tagList = append(tagList, types.Tag{Key: awssdk.String(k), Value: awssdk.String(v)})
		}
		tagList = append(tagList, types.Tag{Key: awssdk.String("Name"), Value: awssdk.String(spec.Name)})
		in.TagSpecifications = []types.TagSpecification{{ResourceType: types.ResourceTypeInstance, Tags: tagList}}
	}
	return in
}

func firstOrEmpty(ss []string) *string {
	if len(ss) == 0 {
		return nil
	}
	return awssdk.String(ss[0])
}

func (d *Driver) CreateMachine(ctx context.Context, spec goughtypes.MachineSpec) (goughtypes.Machine, error) {
	if spec.CloudInit != "" && !d.SupportsCloudInit() {
		return goughtypes.Machine{}, trace.BadParameter("aws: driver does not support cloud_init")
	}
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()

	in := buildRunInstancesInput(spec)
	out, err := d.client.RunInstances(ctx, in)
	if err != nil {
		return goughtypes.Machine{}, wrapError(err)
	}
	if len(out.Instances) == 0 {
		return goughtypes.Machine{}, trace.Wrap(&CloudErrorAWS{Message: "aws: RunInstances returned no instances"})
	}
	return toMachine(out.Instances[0]), nil
}

func (d *Driver) DestroyMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	return wrapError(err)
}

func (d *Driver) StartMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
	return wrapError(err)
}

func (d *Driver) StopMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	return wrapError(err)
}

func (d *Driver) RebootMachine(ctx context.Context, id string) error {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	_, err := d.client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{id}})
	return wrapError(err)
}

func (d *Driver) ListImages(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	in := &ec2.DescribeImagesInput{Owners: []string{"self"}}
	for k, v := range filters {
		in.Filters = append(in.Filters, types.Filter{Name: awssdk.String(k), Values: []string{v}})
	}
	out, err := d.client.DescribeImages(ctx, in)
	if err != nil {
		return nil, wrapError(err)
	}
	descs := make([]goughtypes.Descriptor, 0, len(out.Images))
	for _, img := range out.Images {
		descs = append(descs, goughtypes.Descriptor{
			ID:          awssdk.ToString(img.ImageId),
			Name:        awssdk.ToString(img.Name),
			Description: awssdk.ToString(img.Description),
		})
	}
	return descs, nil
}

func (d *Driver) ListSizes(ctx context.Context, filters map[string]string) ([]goughtypes.Descriptor, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	out, err := d.client.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{})
	if err != nil {
		return nil, wrapError(err)
	}
	descs := make([]goughtypes.Descriptor, 0, len(out.InstanceTypes))
	for _, it := range out.InstanceTypes {
		descs = append(descs, goughtypes.Descriptor{ID: string(it.InstanceType), Name: string(it.InstanceType)})
	}
	return descs, nil
}

func (d *Driver) ListRegions(ctx context.Context) ([]goughtypes.Descriptor, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	out, err := d.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, wrapError(err)
	}
	descs := make([]goughtypes.Descriptor, 0, len(out.Regions))
	for _, r := range out.Regions {
		descs = append(descs, goughtypes.Descriptor{ID: awssdk.ToString(r.RegionName), Name: awssdk.ToString(r.RegionName)})
	}
	return descs, nil
}

func (d *Driver) GetConsoleOutput(ctx context.Context, id string) (string, error) {
	ctx, cancel := common.WithCallTimeout(ctx)
	defer cancel()
	out, err := d.client.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{InstanceId: awssdk.String(id)})
	if err != nil {
		return "", wrapError(err)
	}
	if out.Output == nil {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(*out.Output)
	if err != nil {
		return "", trace.Wrap(err, "decoding console output")
	}
	return string(raw), nil
}

func (d *Driver) SupportsCloudInit() bool { return true }

// CloudErrorAWS is the catch-all error this driver surfaces for
// failures that are not auth or quota related.
type CloudErrorAWS struct{ Message string }

func (e *CloudErrorAWS) Error() string { return e.Message }

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if isQuotaError(err) {
		return trace.Wrap(&QuotaErrorAWS{Message: err.Error(), Cause: err})
	}
	return trace.Wrap(&CloudErrorAWS{Message: err.Error()})
}

// QuotaErrorAWS surfaces EC2 capacity/limit rejections.
type QuotaErrorAWS struct {
	Message string
	Cause   error
}

func (e *QuotaErrorAWS) Error() string { return e.Message }
func (e *QuotaErrorAWS) Unwrap() error { return e.Cause }

type errorCoder interface{ ErrorCode() string }

func isQuotaError(err error) bool {
	for err != nil {
		if ec, ok := err.(errorCoder); ok {
			switch ec.ErrorCode() {
			case "InsufficientInstanceCapacity", "InstanceLimitExceeded", "VcpuLimitExceeded":
				return true
			}
			return false
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
