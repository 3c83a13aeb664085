/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package vultr

import (
	"testing"

	"github.com/stretchr/testify/require"

	goughtypes "github.com/penguintechinc/gough/api/types"
)

func TestMapStateMatchesSpecTable(t *testing.T) {
	require.Equal(t, goughtypes.StatePending, mapState("pending", ""))
	require.Equal(t, goughtypes.StateRunning, mapState("active", "running"))
	require.Equal(t, goughtypes.StateStopped, mapState("active", "stopped"))
	require.Equal(t, goughtypes.StateStopped, mapState("suspended", ""))
	require.Equal(t, goughtypes.StateStopped, mapState("locked", ""))
	require.Equal(t, goughtypes.StatePending, mapState("resizing", ""))
}

func TestMapStateUnknownFallsThrough(t *testing.T) {
	require.Equal(t, goughtypes.StateUnknown, mapState("bogus", "bogus"))
}
