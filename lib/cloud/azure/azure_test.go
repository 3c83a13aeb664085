/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package azure

import (
	"testing"

	"github.com/stretchr/testify/require"

	goughtypes "github.com/penguintechinc/gough/api/types"
)

func TestMapStateProvisioningTakesPrecedence(t *testing.T) {
	require.Equal(t, goughtypes.StateError, mapState("Failed", "PowerState/running"))
	require.Equal(t, goughtypes.StatePending, mapState("Creating", "PowerState/running"))
}

func TestMapStateFallsBackToPowerState(t *testing.T) {
	require.Equal(t, goughtypes.StateRunning, mapState("Succeeded", "PowerState/running"))
	require.Equal(t, goughtypes.StateStopped, mapState("Succeeded", "PowerState/deallocated"))
}
