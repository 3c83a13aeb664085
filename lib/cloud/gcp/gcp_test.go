/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package gcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	goughtypes "github.com/penguintechinc/gough/api/types"
)

func TestStateMapMatchesSpecTable(t *testing.T) {
	cases := map[string]goughtypes.MachineState{
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
	for native, want := range cases {
		require.Equal(t, want, stateMap[native], native)
	}
}
