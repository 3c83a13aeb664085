/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/gough/api/types"
)

type fakeTransport struct {
	mu            sync.Mutex
	heartbeats    int
	failNext      bool
	pendingCmds   []types.Command
	pendingCAKeys []string
	refreshCalls  int
	refreshResult TokenPair
}

func (f *fakeTransport) Heartbeat(ctx context.Context, accessToken string, req Request) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.failNext {
		f.failNext = false
		return Result{}, context.DeadlineExceeded
	}
	cmds := f.pendingCmds
	f.pendingCmds = nil
	caKeys := f.pendingCAKeys
	f.pendingCAKeys = nil
	return Result{Commands: cmds, CAPublicKeys: caKeys}, nil
}

func (f *fakeTransport) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshResult, nil
}

func TestTickSendsHeartbeatAndDispatchesCommands(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{pendingCmds: []types.Command{{Type: types.CommandReloadConfig}}}

	var received []types.Command
	l, err := New(Config{
		AgentID:   "agent-1",
		Transport: transport,
		Clock:     clock,
		OnCommand: func(ctx context.Context, cmd types.Command) { received = append(received, cmd) },
	}, TokenPair{AccessToken: "access-1", AccessExpiry: clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	l.tick(context.Background())

	require.Equal(t, 1, transport.heartbeats)
	require.Len(t, received, 1)
	require.Equal(t, types.CommandReloadConfig, received[0].Type)
	require.Equal(t, 0, l.consecutiveFailures)
}

func TestTickDeliversCAPublicKeysOnlyWhenPresent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}

	var received [][]string
	l, err := New(Config{
		AgentID:   "agent-1",
		Transport: transport,
		Clock:     clock,
		OnCAKeys:  func(keys []string) { received = append(received, keys) },
	}, TokenPair{AccessToken: "access-1", AccessExpiry: clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	l.tick(context.Background())
	require.Empty(t, received, "a heartbeat with no CA keys must not invoke OnCAKeys")

	transport.pendingCAKeys = []string{"ssh-rsa AAAA... active", "ssh-rsa AAAA... previous"}
	l.tick(context.Background())
	require.Equal(t, [][]string{{"ssh-rsa AAAA... active", "ssh-rsa AAAA... previous"}}, received)
}

func TestTickRefreshesWithinSlackWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{refreshResult: TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2", AccessExpiry: clock.Now().Add(time.Hour)}}

	l, err := New(Config{
		AgentID:      "agent-1",
		Transport:    transport,
		Clock:        clock,
		RefreshSlack: 5 * time.Minute,
	}, TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1", AccessExpiry: clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	l.tick(context.Background())

	require.Equal(t, 1, transport.refreshCalls)
	require.Equal(t, "access-2", l.Tokens().AccessToken)
}

func TestConsecutiveFailuresCountUpWithoutBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}

	l, err := New(Config{
		AgentID:   "agent-1",
		Transport: transport,
		Clock:     clock,
	}, TokenPair{AccessToken: "access-1", AccessExpiry: clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	for i := 0; i < consecutiveFailureThreshold; i++ {
		transport.failNext = true
		l.tick(context.Background())
	}
	require.Equal(t, consecutiveFailureThreshold, l.consecutiveFailures)

	// A subsequent success resets the counter; the interval itself
	// never changes regardless of failure count.
	l.tick(context.Background())
	require.Equal(t, 0, l.consecutiveFailures)
}
