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

// Package rssh is the agent-side reverse-SSH server: it accepts
// inbound connections from end-user SSH clients, authenticates them
// by CA-signed certificate exactly the way lib/srv/authhandlers.go's
// UserKeyAuth validates node logins, and bridges a single PTY session
// per connection.
package rssh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var log = logrus.WithField(trace.Component, "rssh")

// killGrace is how long the child shell gets to exit on its own after
// the session channel closes before it is SIGKILLed.
const killGrace = 5 * time.Second

// SessionAccounting is notified as PTY sessions start and end so the
// agent's heartbeat loop can report an accurate active_sessions count.
type SessionAccounting interface {
	SessionStarted()
	SessionEnded()
}

// noopAccounting satisfies SessionAccounting when the caller doesn't
// need session-count tracking (e.g. in tests).
type noopAccounting struct{}

func (noopAccounting) SessionStarted() {}
func (noopAccounting) SessionEnded()   {}

// Config configures a Server.
type Config struct {
	// ListenAddr is the address to accept SSH connections on, e.g. ":2222".
	ListenAddr string
	// HostKeyPath is where the persistent RSA 2048 host key is stored
	// (generated on first start if absent), mode 0600.
	HostKeyPath string
	// CAPublicKeys authenticates client certificates; only certificates
	// signed by one of these keys are accepted. Normally just the
	// active user CA, but carries two entries during a CA rotation's
	// overlap window so certs signed by the CA Rotate just deactivated
	// still work until agents catch up.
	CAPublicKeys []ssh.PublicKey
	// AllowRootFallback spawns the shell as root when a principal has
	// no mapped Unix account instead of rejecting the connection.
	AllowRootFallback bool

	Clock      clockwork.Clock
	Accounting SessionAccounting
}

func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		return trace.BadParameter("rssh: ListenAddr is required")
	}
	if c.HostKeyPath == "" {
		return trace.BadParameter("rssh: HostKeyPath is required")
	}
	if len(c.CAPublicKeys) == 0 {
		return trace.BadParameter("rssh: at least one CAPublicKey is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Accounting == nil {
		c.Accounting = noopAccounting{}
	}
	return nil
}

// caKeySet is a thread-safe, replaceable set of CA public keys, so the
// heartbeat loop can swap in a freshly rotated CA key without
// restarting the server or racing in-flight authentications.
type caKeySet struct {
	mu   sync.RWMutex
	keys []ssh.PublicKey
}

func newCAKeySet(keys []ssh.PublicKey) *caKeySet {
	return &caKeySet{keys: keys}
}

func (s *caKeySet) set(keys []ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

func (s *caKeySet) contains(key ssh.PublicKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if sameKey(k, key) {
			return true
		}
	}
	return false
}

// Server is the reverse-SSH listener.
type Server struct {
	cfg       Config
	sshConfig *ssh.ServerConfig
	caKeys    *caKeySet

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server, generating the persistent host key at
// cfg.HostKeyPath if one does not already exist.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := loadOrGenerateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Server{cfg: cfg, caKeys: newCAKeySet(cfg.CAPublicKeys)}

	checker := &ssh.CertChecker{
		IsUserAuthority: func(auth ssh.PublicKey) bool {
			return s.caKeys.contains(auth)
		},
		Clock: cfg.Clock.Now,
	}

	s.sshConfig = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			cert, ok := key.(*ssh.Certificate)
			if !ok {
				return nil, trace.BadParameter("rssh: only certificate authentication is accepted")
			}
			if len(cert.ValidPrincipals) == 0 {
				return nil, trace.BadParameter("rssh: certificate has no valid principals")
			}
			perms, err := checker.Authenticate(conn, key)
			if err != nil {
				return nil, trace.Wrap(err, "rssh: certificate authentication failed")
			}
			if !principalAllowed(conn.User(), cert.ValidPrincipals) {
				return nil, trace.AccessDenied("rssh: user %q is not among the certificate's principals", conn.User())
			}
			return perms, nil
		},
	}
	s.sshConfig.AddHostKey(signer)

	return s, nil
}

// SetCAKeys replaces the set of CA keys accepted for client certificate
// authentication, letting the heartbeat loop push down a rotated CA's
// key set without restarting the listener.
func (s *Server) SetCAKeys(keys []ssh.PublicKey) {
	s.caKeys.set(keys)
}

func sameKey(a, b ssh.PublicKey) bool {
	return string(a.Marshal()) == string(b.Marshal())
}

func principalAllowed(user string, principals []string) bool {
	for _, p := range principals {
		if p == user {
			return true
		}
	}
	return false
}

func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, trace.Wrap(err, "parsing host key at %q", path)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, trace.Wrap(err, "reading host key at %q", path)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, trace.Wrap(err, "generating host key")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, trace.Wrap(err, "persisting host key at %q", path)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.WithField("path", path).Info("generated reverse-SSH host key")
	return signer, nil
}

// Serve accepts connections on cfg.ListenAddr until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err, "listening on %q", s.cfg.ListenAddr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return trace.Wrap(err, "accept failed")
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.sshConfig)
	if err != nil {
		log.WithError(err).WithField("remote", nc.RemoteAddr()).Warn("reverse-ssh handshake failed")
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	log.WithFields(logrus.Fields{"remote": nc.RemoteAddr(), "user": sconn.User()}).Info("reverse-ssh session authenticated")

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.WithError(err).Warn("failed to accept session channel")
			continue
		}
		s.handleSession(ctx, sconn.User(), channel, requests)
	}
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

func parsePTYRequest(payload []byte) ptyRequest {
	var req ptyRequest
	termLen := binary.BigEndian.Uint32(payload[0:4])
	req.Term = string(payload[4 : 4+termLen])
	rest := payload[4+termLen:]
	req.Width = binary.BigEndian.Uint32(rest[0:4])
	req.Height = binary.BigEndian.Uint32(rest[4:8])
	return req
}

type winChangeRequest struct{ Width, Height uint32 }

func parseWinChange(payload []byte) winChangeRequest {
	return winChangeRequest{
		Width:  binary.BigEndian.Uint32(payload[0:4]),
		Height: binary.BigEndian.Uint32(payload[4:8]),
	}
}

// handleSession implements the one-pty-req, one-shell-request flow:
// it spawns /bin/bash -l as the Unix user matching the connecting
// principal and bridges the PTY master to the channel in both
// directions until either side closes.
func (s *Server) handleSession(ctx context.Context, principal string, channel ssh.Channel, requests <-chan *ssh.Request) {
	var ptyFile *os.File
	var cmd *exec.Cmd
	var shellStarted bool
	var initialSize *pty.Winsize

	defer func() {
		channel.Close()
		if shellStarted {
			s.cfg.Accounting.SessionEnded()
		}
	}()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			pr := parsePTYRequest(req.Payload)
			req.Reply(true, nil)
			// The term name isn't otherwise used; width/height are applied via Setsize once the PTY is started below.
			initialSize = &pty.Winsize{Rows: uint16(pr.Height), Cols: uint16(pr.Width)}

		case "window-change":
			wc := parseWinChange(req.Payload)
			if ptyFile != nil {
				pty.Setsize(ptyFile, &pty.Winsize{Rows: uint16(wc.Height), Cols: uint16(wc.Width)})
			}

		case "shell":
			req.Reply(true, nil)
			uid, gid, homeDir, ok := lookupPrincipal(principal)
			if !ok {
				if !s.cfg.AllowRootFallback {
					log.WithField("principal", principal).Warn("no mapped Unix account and root fallback disabled")
					return
				}
				uid, gid, homeDir = 0, 0, "/root"
			}

			cmd = exec.CommandContext(ctx, "/bin/bash", "-l")
			cmd.Dir = homeDir
			cmd.Env = append(os.Environ(), "HOME="+homeDir)
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Credential: &syscall.Credential{Uid: uid, Gid: gid},
			}

			f, err := pty.Start(cmd)
			if err != nil {
				log.WithError(err).Warn("failed to start PTY shell")
				return
			}
			ptyFile = f
			if initialSize != nil {
				pty.Setsize(ptyFile, initialSize)
			}
			shellStarted = true
			s.cfg.Accounting.SessionStarted()

			s.bridge(channel, ptyFile, cmd)
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// bridge copies bytes between the PTY master and the SSH channel
// until either side closes, then terminates the child, escalating to
// SIGKILL if it hasn't exited within killGrace.
func (s *Server) bridge(channel ssh.Channel, ptyFile *os.File, cmd *exec.Cmd) {
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	go func() {
		io.Copy(ptyFile, channel)
		closeDone()
	}()
	go func() {
		io.Copy(channel, ptyFile)
		closeDone()
	}()

	<-done
	ptyFile.Close()

	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(os.Interrupt)
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case <-waitErr:
	case <-time.After(killGrace):
		cmd.Process.Kill()
		<-waitErr
	}
}

func lookupPrincipal(principal string) (uid, gid uint32, homeDir string, ok bool) {
	u, err := user.Lookup(principal)
	if err != nil {
		return 0, 0, "", false
	}
	uidN, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, "", false
	}
	gidN, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, "", false
	}
	return uint32(uidN), uint32(gidN), u.HomeDir, true
}
