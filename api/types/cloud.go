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

// Package types defines the data model shared by the control plane and
// the access agent: machine state, cloud provider specs, and the
// relational entities persisted by lib/backend.
package types

import "time"

// MachineState is the unified machine lifecycle state. Each cloud driver
// maps its native state space onto this enum; the control plane never
// invents a transition of its own.
type MachineState string

const (
	StatePending       MachineState = "pending"
	StateRunning       MachineState = "running"
	StateStopped       MachineState = "stopped"
	StateTerminated    MachineState = "terminated"
	StateError         MachineState = "error"
	StateUnknown       MachineState = "unknown"
	StateCommissioning MachineState = "commissioning"
	StateDeploying     MachineState = "deploying"
	StateReady         MachineState = "ready"
	StateAllocated     MachineState = "allocated"
)

// ProviderType identifies a cloud backend implementation.
type ProviderType string

const (
	ProviderMaaS  ProviderType = "maas"
	ProviderLXD   ProviderType = "lxd"
	ProviderAWS   ProviderType = "aws"
	ProviderGCP   ProviderType = "gcp"
	ProviderAzure ProviderType = "azure"
	ProviderVultr ProviderType = "vultr"
)

// MachineSpec describes a machine to be created by a driver.
type MachineSpec struct {
	Name       string
	Image      string
	Size       string
	Region     string
	CloudInit  string
	SSHKeys    []string
	Networks   []string
	StorageGB  int
	Tags       map[string]string
	Extra      map[string]any
}

// Machine is the unified, provider-agnostic machine representation.
// Rows cached in the Relational Store mirror this shape; the provider
// itself is always the authoritative source when freshness matters.
type Machine struct {
	ID         string
	ExternalID string
	ProviderID string
	Name       string
	Hostname   string
	State      MachineState
	Region     string
	Image      string
	Size       string
	PublicIPs  []string
	PrivateIPs []string
	Tags       map[string]string
	Extra      map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Descriptor is a generic (id, name, description) tuple used for
// list_images/list_sizes/list_regions results.
type Descriptor struct {
	ID          string
	Name        string
	Description string
	Extra       map[string]any
}

// CloudProvider is a configured backend instance: type + region +
// credentials reference identify one driver instance.
type CloudProvider struct {
	ID             string
	Name           string
	Type           ProviderType
	Region         string
	CredentialsRef string
	Active         bool
	LastSyncAt     time.Time
}
