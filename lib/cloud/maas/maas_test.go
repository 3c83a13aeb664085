/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package maas

import (
	"testing"

	"github.com/stretchr/testify/require"

	goughtypes "github.com/penguintechinc/gough/api/types"
)

func TestMapStateMatchesSpecTable(t *testing.T) {
	require.Equal(t, goughtypes.StatePending, mapState("New", ""))
	require.Equal(t, goughtypes.StateCommissioning, mapState("Commissioning", ""))
	require.Equal(t, goughtypes.StateReady, mapState("Ready", ""))
	require.Equal(t, goughtypes.StateAllocated, mapState("Allocated", ""))
	require.Equal(t, goughtypes.StateAllocated, mapState("Reserved", ""))
	require.Equal(t, goughtypes.StateDeploying, mapState("Deploying", ""))
	require.Equal(t, goughtypes.StateRunning, mapState("Deployed", "on"))
}

func TestMapStateDeployedWithPowerOffIsStopped(t *testing.T) {
	require.Equal(t, goughtypes.StateStopped, mapState("Deployed", "off"))
}
