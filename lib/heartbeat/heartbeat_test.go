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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/backend/memory"
)

func newAgent(t *testing.T, ctx context.Context, b *memory.Backend, id string, status types.AgentStatus) {
	t.Helper()
	_, err := b.CreateAgent(ctx, types.AccessAgent{AgentID: id, Status: status})
	require.NoError(t, err)
}

func TestHandleUpdatesLastHeartbeatAndDrainsCommands(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newAgent(t, ctx, b, "agent-1", types.AgentEnrolled)

	s, err := New(Config{Backend: b, Clock: clock, Interval: 30 * time.Second})
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(ctx, "agent-1", types.Command{Type: types.CommandReloadConfig}))

	resp, err := s.Handle(ctx, Request{AgentID: "agent-1", ActiveSessions: 2, Timestamp: clock.Now()})
	require.NoError(t, err)
	require.Len(t, resp.Commands, 1)
	require.Equal(t, types.CommandReloadConfig, resp.Commands[0].Type)

	agent, err := b.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, types.AgentActive, agent.Status)
	require.Equal(t, 2, agent.ActiveSessions)

	// The queue was drained; a second heartbeat sees no commands.
	resp, err = s.Handle(ctx, Request{AgentID: "agent-1", Timestamp: clock.Now().Add(time.Second)})
	require.NoError(t, err)
	require.Empty(t, resp.Commands)
}

type fakeCAKeyLister struct {
	keys []string
}

func (f *fakeCAKeyLister) UserCAPublicKeys(ctx context.Context) ([]string, error) {
	return f.keys, nil
}

func TestHandleIncludesCAPublicKeysWhenConfigured(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newAgent(t, ctx, b, "agent-1", types.AgentEnrolled)

	s, err := New(Config{Backend: b, Clock: clock, CAKeys: &fakeCAKeyLister{keys: []string{"ssh-rsa AAAA... active", "ssh-rsa AAAA... previous"}}})
	require.NoError(t, err)

	resp, err := s.Handle(ctx, Request{AgentID: "agent-1", Timestamp: clock.Now()})
	require.NoError(t, err)
	require.Equal(t, []string{"ssh-rsa AAAA... active", "ssh-rsa AAAA... previous"}, resp.CAPublicKeys)
}

func TestHandleDropsOutOfOrderHeartbeat(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newAgent(t, ctx, b, "agent-1", types.AgentEnrolled)

	s, err := New(Config{Backend: b, Clock: clock})
	require.NoError(t, err)

	later := clock.Now().Add(time.Minute)
	_, err = s.Handle(ctx, Request{AgentID: "agent-1", ActiveSessions: 5, Timestamp: later})
	require.NoError(t, err)

	// A heartbeat with an earlier timestamp must not move state backwards.
	_, err = s.Handle(ctx, Request{AgentID: "agent-1", ActiveSessions: 0, Timestamp: later.Add(-time.Second)})
	require.NoError(t, err)

	agent, err := b.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, later, agent.LastHeartbeatAt)
	require.Equal(t, 5, agent.ActiveSessions)
}

func TestHandleRejectsSuspendedAgent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newAgent(t, ctx, b, "agent-1", types.AgentSuspended)

	s, err := New(Config{Backend: b, Clock: clock})
	require.NoError(t, err)

	_, err = s.Handle(ctx, Request{AgentID: "agent-1", Timestamp: clock.Now()})
	require.Error(t, err)
	var suspended *SuspendedError
	require.ErrorAs(t, err, &suspended)
}

func TestSweepMarksUnreachableThenSuspended(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b := memory.New(clock)
	newAgent(t, ctx, b, "agent-1", types.AgentEnrolled)

	s, err := New(Config{Backend: b, Clock: clock, Interval: 30 * time.Second})
	require.NoError(t, err)

	_, err = s.Handle(ctx, Request{AgentID: "agent-1", Timestamp: clock.Now()})
	require.NoError(t, err)

	clock.Advance(95 * time.Second)
	require.NoError(t, s.sweepOnce(ctx))
	agent, err := b.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, types.AgentUnreachable, agent.Status)

	clock.Advance(time.Hour)
	require.NoError(t, s.sweepOnce(ctx))
	agent, err = b.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, types.AgentSuspended, agent.Status)
}
