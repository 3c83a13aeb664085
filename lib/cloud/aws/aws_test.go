/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package aws

import (
	"testing"

	"github.com/stretchr/testify/require"

	goughtypes "github.com/penguintechinc/gough/api/types"
)

func TestStateMapMatchesSpecTable(t *testing.T) {
	cases := map[string]goughtypes.MachineState{
		"pending":       goughtypes.StatePending,
		"running":       goughtypes.StateRunning,
		"stopping":      goughtypes.StatePending,
		"stopped":       goughtypes.StateStopped,
		"shutting-down": goughtypes.StateTerminated,
		"terminated":    goughtypes.StateTerminated,
	}
	for native, want := range cases {
		require.Equal(t, want, stateMap[native], native)
	}
}

func TestBuildRunInstancesInputUsesNetworkInterfaceWhenAssociatingPublicIP(t *testing.T) {
	spec := goughtypes.MachineSpec{
		Image:    "ami-123",
		Size:     "t3.micro",
		Networks: []string{"sg-1"},
		Extra: map[string]any{
			"associate_public_ip": true,
			"subnet_id":           "subnet-1",
		},
	}
	in := buildRunInstancesInput(spec)
	require.Nil(t, in.SubnetId, "SubnetId must not be set alongside NetworkInterfaces")
	require.Nil(t, in.SecurityGroupIds, "SecurityGroupIds must not be set alongside NetworkInterfaces")
	require.Len(t, in.NetworkInterfaces, 1)
	require.Equal(t, "subnet-1", *in.NetworkInterfaces[0].SubnetId)
}

func TestBuildRunInstancesInputUsesTopLevelFieldsWithoutPublicIP(t *testing.T) {
	spec := goughtypes.MachineSpec{
		Image:    "ami-123",
		Size:     "t3.micro",
		Networks: []string{"sg-1"},
		Extra:    map[string]any{"subnet_id": "subnet-1"},
	}
	in := buildRunInstancesInput(spec)
	require.Nil(t, in.NetworkInterfaces)
	require.Equal(t, "subnet-1", *in.SubnetId)
	require.Equal(t, []string{"sg-1"}, in.SecurityGroupIds)
}

func TestBuildRunInstancesInputEncodesCloudInit(t *testing.T) {
	spec := goughtypes.MachineSpec{Image: "ami-1", Size: "t3.micro", CloudInit: "#cloud-config\nruncmd: []\n"}
	in := buildRunInstancesInput(spec)
	require.NotNil(t, in.UserData)
}
