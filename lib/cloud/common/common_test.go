/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package common

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/gough/api/types"
)

func TestStateMapFallsBackToUnknown(t *testing.T) {
	table := map[string]types.MachineState{"running": types.StateRunning}
	require.Equal(t, types.StateRunning, StateMap(table, "running"))
	require.Equal(t, types.StateUnknown, StateMap(table, "whatever-this-provider-invents"))
}

func TestClassifyIP(t *testing.T) {
	public, private := ClassifyIP([]string{"203.0.113.5", "10.0.0.4", "not-an-ip", "192.168.1.1"})
	require.Equal(t, []string{"203.0.113.5"}, public)
	require.Equal(t, []string{"10.0.0.4", "192.168.1.1"}, private)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: 0}, func() error {
		calls++
		if calls < 3 {
			return &net.DNSError{IsTimeout: true}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: 0}, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
