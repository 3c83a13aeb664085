/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ws

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/sshca"
)

// fakeBackend serves a single fixed session/agent pair.
type fakeBackend struct {
	session types.ShellSession
	agent   types.AccessAgent
}

func (f *fakeBackend) GetSession(ctx context.Context, sessionID string) (types.ShellSession, error) {
	if sessionID != f.session.SessionID {
		return types.ShellSession{}, trace404(sessionID)
	}
	return f.session, nil
}

func (f *fakeBackend) GetAgent(ctx context.Context, agentID string) (types.AccessAgent, error) {
	if agentID != f.agent.AgentID {
		return types.AccessAgent{}, trace404(agentID)
	}
	return f.agent, nil
}

// trace404 avoids pulling in trace.NotFound's formatting just to build
// an error value that satisfies the error interface for the fixture.
type notFoundErr string

func (e notFoundErr) Error() string { return "not found: " + string(e) }
func trace404(id string) error      { return notFoundErr(id) }

type fakePrincipals struct{ principals []string }

func (f fakePrincipals) ResolvePrincipals(ctx context.Context, teamID, resourceType, resourceID string) []string {
	return f.principals
}

// fakeCA signs certificates with a throwaway CA key, standing in for
// lib/sshca.Authority's backend-bound signer so the bridge can be
// exercised without a full CA/backend stack.
type fakeCA struct {
	signer ssh.Signer
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)
	return &fakeCA{signer: signer}
}

func (f *fakeCA) Sign(ctx context.Context, req sshca.SignRequest) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             req.PublicKey,
		Serial:          1,
		CertType:        ssh.UserCert,
		KeyId:           req.KeyID,
		ValidPrincipals: req.Principals,
		ValidAfter:      0,
		ValidBefore:     ssh.CertTimeInfinity,
	}
	if err := cert.SignCert(rand.Reader, f.signer); err != nil {
		return nil, err
	}
	return cert, nil
}

// startEchoSSHServer listens on an ephemeral port and, for every
// session channel opened against it, acknowledges pty-req/shell
// requests and echoes back whatever the client writes, enough to
// exercise the bridge's input/output plumbing without a real shell.
func startEchoSSHServer(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromSigner(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(hostSigner)

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveEchoConn(t, nConn, cfg)
		}
	}()
	return listener.Addr().String()
}

func serveEchoConn(t *testing.T, nConn net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range requests {
				switch req.Type {
				case "pty-req", "shell", "window-change":
					if req.WantReply {
						req.Reply(true, nil)
					}
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}()
		go func(ch ssh.Channel) {
			defer ch.Close()
			io.Copy(ch, ch)
		}(ch)
	}
}

func newTestBridge(t *testing.T, agentAddr string) (*Bridge, *fakeBackend) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(agentAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	session := types.ShellSession{
		SessionID:    "sess-1",
		UserID:       "user-1",
		TeamID:       "team-1",
		ResourceType: "machine",
		ResourceID:   "vm-1,ext-1",
		AgentID:      "agent-1",
	}
	agent := types.AccessAgent{AgentID: "agent-1", PublicIP: host, SSHPort: port}
	backend := &fakeBackend{session: session, agent: agent}

	bridge, err := New(Config{
		Backend:    backend,
		Principals: fakePrincipals{principals: []string{"ubuntu"}},
		CA:         newFakeCA(t),
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return bridge, backend
}

func TestServeRejectsMissingSessionID(t *testing.T) {
	bridge, _ := newTestBridge(t, "127.0.0.1:0")
	r := httptest.NewRequest(http.MethodGet, "/ws/shell", nil)
	w := httptest.NewRecorder()
	err := bridge.Serve(context.Background(), w, r, types.User{ID: "user-1"})
	require.Error(t, err)
}

func TestServeRejectsForeignSession(t *testing.T) {
	bridge, _ := newTestBridge(t, "127.0.0.1:0")
	r := httptest.NewRequest(http.MethodGet, "/ws/shell?session_id=sess-1", nil)
	w := httptest.NewRecorder()
	err := bridge.Serve(context.Background(), w, r, types.User{ID: "someone-else"})
	require.Error(t, err)
}

func TestServeRejectsEndedSession(t *testing.T) {
	bridge, backend := newTestBridge(t, "127.0.0.1:0")
	ended := time.Now()
	backend.session.EndedAt = &ended
	r := httptest.NewRequest(http.MethodGet, "/ws/shell?session_id=sess-1", nil)
	w := httptest.NewRecorder()
	err := bridge.Serve(context.Background(), w, r, types.User{ID: "user-1"})
	require.Error(t, err)
}

func TestBridgeEchoesInputAsOutput(t *testing.T) {
	agentAddr := startEchoSSHServer(t)
	bridge, _ := newTestBridge(t, agentAddr)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, bridge.Serve(r.Context(), w, r, types.User{ID: "user-1"}))
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/shell?session_id=sess-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(frame{Type: frameInput, Data: "hello\n"}))

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "timed out waiting for echoed output")
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == frameOutput && strings.Contains(f.Data, "hello") {
			return
		}
	}
}
