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

// Package ws implements the web-streaming variant of a shell session:
// it upgrades an already-authorized HTTP request to a websocket, dials
// the target agent as an SSH client on the caller's behalf, and
// bridges input/output/resize frames between the browser and the PTY,
// modeled on the single-writer-goroutine discipline of
// lib/kube/proxy/streamproto.SessionStream (gorilla/websocket forbids
// concurrent writes to one connection).
package ws

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/sshca"
)

var log = logrus.WithField(trace.Component, "api/ws")

// maxFrameBytes bounds a single websocket message, matching the
// default per-message read limit used elsewhere for agent traffic.
const maxFrameBytes = 1 << 20

// pingInterval keeps idle connections alive through intermediate
// proxies that kill connections after a short read timeout.
const pingInterval = 30 * time.Second

// dialTimeout bounds the outbound SSH dial to the target agent.
const dialTimeout = 10 * time.Second

// Backend is the subset of lib/backend.Backend the bridge needs.
type Backend interface {
	GetSession(ctx context.Context, sessionID string) (types.ShellSession, error)
	GetAgent(ctx context.Context, agentID string) (types.AccessAgent, error)
}

// PrincipalResolver is the subset of lib/shellbroker.Broker the bridge
// needs to re-derive the Unix accounts a session may assume.
type PrincipalResolver interface {
	ResolvePrincipals(ctx context.Context, teamID, resourceType, resourceID string) []string
}

// CertSigner is the subset of lib/sshca.Authority the bridge needs.
type CertSigner interface {
	Sign(ctx context.Context, req sshca.SignRequest) (*ssh.Certificate, error)
}

// Config configures a Bridge.
type Config struct {
	Backend    Backend
	Principals PrincipalResolver
	CA         CertSigner
	Clock      clockwork.Clock
	// CertValiditySec bounds the lifetime of the ephemeral certificate
	// minted for the control plane's outbound dial; it only needs to
	// outlive the websocket handshake and the lifetime of the browser
	// tab, not the full session TTL the original OpenShell cert used.
	CertValiditySec int
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("ws: Backend is required")
	}
	if c.Principals == nil {
		return trace.BadParameter("ws: Principals is required")
	}
	if c.CA == nil {
		return trace.BadParameter("ws: CA is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CertValiditySec <= 0 {
		c.CertValiditySec = 3600
	}
	return nil
}

// Bridge serves the web-streaming shell endpoint.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// New builds a Bridge.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameBytes,
			WriteBufferSize: maxFrameBytes,
			// The API already authenticated the caller via the same
			// bearer-token middleware every other route uses; the
			// browser's fetch of the page and the websocket upgrade
			// share an origin in every supported deployment, so the
			// default same-origin browser behavior is sufficient and
			// a custom CheckOrigin would only add a second, redundant
			// place to keep in sync with CORS configuration.
		},
	}, nil
}

// frame is the JSON envelope carried over the websocket, matching the
// {type, data} shape the browser terminal client speaks.
type frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

const (
	frameInput  = "input"
	frameOutput = "output"
	frameResize = "resize"
)

// Serve validates the session named by the session_id query parameter
// and, if it is live and owned by user, upgrades the connection and
// bridges it to the target agent. Validation happens before the
// upgrade so a rejected request still gets a normal JSON error instead
// of a websocket close frame.
func (b *Bridge) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, user types.User) error {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		return trace.BadParameter("missing session_id query parameter")
	}
	session, err := b.cfg.Backend.GetSession(ctx, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if session.EndedAt != nil {
		return trace.AccessDenied("session %q has already ended", sessionID)
	}
	if session.UserID != user.ID {
		return trace.AccessDenied("session %q does not belong to the caller", sessionID)
	}
	agent, err := b.cfg.Backend.GetAgent(ctx, session.AgentID)
	if err != nil {
		return trace.Wrap(err, "loading agent %q for session %q", session.AgentID, sessionID)
	}

	sshClient, sshSession, stdin, stdout, err := b.dialAgent(ctx, session, agent)
	if err != nil {
		return trace.Wrap(err)
	}
	defer sshClient.Close()
	defer sshSession.Close()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return trace.Wrap(err, "upgrading websocket")
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	runBridge(conn, sshSession, stdin, stdout, b.cfg.Clock)
	return nil
}

// dialAgent mints a fresh ephemeral certificate scoped to this
// session's already-resolved principals and opens an interactive PTY
// session on the target agent. types.ShellSession does not persist the
// certificate or principals used by the original OpenShell call, so
// these are independently re-derived rather than reused.
func (b *Bridge) dialAgent(ctx context.Context, session types.ShellSession, agent types.AccessAgent) (*ssh.Client, *ssh.Session, io.WriteCloser, io.Reader, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "generating ephemeral keypair")
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "converting ephemeral public key")
	}
	principals := b.cfg.Principals.ResolvePrincipals(ctx, session.TeamID, session.ResourceType, session.ResourceID)
	cert, err := b.cfg.CA.Sign(ctx, sshca.SignRequest{
		PublicKey:   sshPub,
		KeyID:       fmt.Sprintf("ws-bridge@%s-%d", session.SessionID, b.cfg.Clock.Now().Unix()),
		Principals:  principals,
		ValiditySec: b.cfg.CertValiditySec,
	})
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "signing bridge certificate")
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "building ephemeral signer")
	}
	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "building certificate signer")
	}

	addr := net.JoinHostPort(agent.PublicIP, fmt.Sprintf("%d", agent.SSHPort))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            principals[0],
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(certSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	})
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "dialing agent %q at %s", agent.AgentID, addr)
	}

	sshSession, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, nil, nil, trace.Wrap(err, "opening ssh session")
	}
	if err := sshSession.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		client.Close()
		return nil, nil, nil, nil, trace.Wrap(err, "requesting pty")
	}
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		client.Close()
		return nil, nil, nil, nil, trace.Wrap(err, "opening stdin pipe")
	}
	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, nil, nil, nil, trace.Wrap(err, "opening stdout pipe")
	}
	if err := sshSession.Shell(); err != nil {
		client.Close()
		return nil, nil, nil, nil, trace.Wrap(err, "starting remote shell")
	}
	return client, sshSession, stdin, stdout, nil
}

// runBridge wires the websocket connection to the SSH session's
// stdin/stdout via two goroutines, serializing all writes to conn
// through writeFrame's mutex since gorilla/websocket panics on
// concurrent writers.
func runBridge(conn *websocket.Conn, sshSession sshSessionCloser, stdin io.WriteCloser, stdout io.Reader, clock clockwork.Clock) {
	var writeMu sync.Mutex
	writeFrame := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(done) }) }

	go func() {
		defer stop()
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				if err := writeFrame(frame{Type: frameOutput, Data: string(buf[:n])}); err != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.WithError(err).Debug("ws: agent stdout read ended")
				}
				return
			}
		}
	}()

	go func() {
		defer stop()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
					log.WithError(err).Debug("ws: client read ended")
				}
				return
			}
			switch f.Type {
			case frameInput:
				if _, err := stdin.Write([]byte(f.Data)); err != nil {
					return
				}
			case frameResize:
				if f.Rows > 0 && f.Cols > 0 {
					_ = sshSession.WindowChange(f.Rows, f.Cols)
				}
			}
		}
	}()

	ticker := clock.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := writeFrame(frame{Type: frameOutput}); err != nil {
				return
			}
		}
	}
}

// sshSessionCloser is the subset of *ssh.Session runBridge needs,
// narrowed for testability against a fake.
type sshSessionCloser interface {
	WindowChange(h, w int) error
}
