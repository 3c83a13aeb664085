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

// Command gough-agent runs on a managed machine: it enrolls with the
// control plane, sends periodic heartbeats, and accepts inbound
// CA-authenticated shell sessions.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/agent/heartbeat"
	"github.com/penguintechinc/gough/lib/agent/rssh"
	"github.com/penguintechinc/gough/lib/config"
)

var log = logrus.WithField(trace.Component, "gough-agent")

// accessTokenTTL mirrors agentauth.Config's default AccessTTL. The
// enrollment and refresh responses don't carry an expiry timestamp,
// so the agent approximates it from the moment the token was issued.
const accessTokenTTL = 15 * time.Minute

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("gough-agent exited")
	}
}

func run() error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return trace.Wrap(err, "loading agent configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	client := &http.Client{Timeout: 10 * time.Second}
	if !cfg.VerifySSL {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return trace.Wrap(err, "reading hostname")
	}
	publicIP, err := detectPublicIP()
	if err != nil {
		return trace.Wrap(err, "detecting public IP")
	}

	enrollResult, err := enroll(ctx, client, cfg, enrollRequest{
		Hostname:     hostname,
		IPAddress:    publicIP,
		SSHPort:      cfg.RSSHPort,
		AgentVersion: "1.0.0",
		Capabilities: []string{"ssh"},
	})
	if err != nil {
		return trace.Wrap(err, "enrolling with management server")
	}
	log.WithField("agent_id", enrollResult.AgentID).Info("enrolled")

	caKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(enrollResult.CAPublicKey))
	if err != nil {
		return trace.Wrap(err, "parsing CA public key")
	}

	sessions := &sessionCounter{}
	rsshServer, err := rssh.New(rssh.Config{
		ListenAddr:   fmt.Sprintf(":%d", cfg.RSSHPort),
		HostKeyPath:  "/var/lib/gough-agent/host_key",
		CAPublicKeys: []ssh.PublicKey{caKey},
		Clock:        clock,
		Accounting:   sessions,
	})
	if err != nil {
		return trace.Wrap(err, "constructing reverse-SSH server")
	}

	transport := &httpTransport{client: client, baseURL: cfg.ManagementServer}
	loop, err := heartbeat.New(heartbeat.Config{
		AgentID:   enrollResult.AgentID,
		Transport: transport,
		Clock:     clock,
		Interval:  cfg.HeartbeatInterval,
		Snapshot: func() (int, heartbeat.ResourceUsage) {
			return sessions.count(), sampleResourceUsage()
		},
		OnCAKeys: func(keys []string) {
			parsed := make([]ssh.PublicKey, 0, len(keys))
			for _, k := range keys {
				key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k))
				if err != nil {
					log.WithError(err).Warn("ignoring unparseable CA public key from heartbeat response")
					continue
				}
				parsed = append(parsed, key)
			}
			if len(parsed) == 0 {
				return
			}
			rsshServer.SetCAKeys(parsed)
		},
	}, heartbeat.TokenPair{
		AccessToken:  enrollResult.AccessToken,
		RefreshToken: enrollResult.RefreshToken,
		AccessExpiry: clock.Now().Add(accessTokenTTL),
	})
	if err != nil {
		return trace.Wrap(err, "constructing heartbeat loop")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- rsshServer.Serve(ctx)
	}()
	go loop.Run(ctx)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return trace.Wrap(err)
	}
}

// sessionCounter satisfies rssh.SessionAccounting and doubles as the
// heartbeat loop's active-session snapshot source.
type sessionCounter struct {
	n int64
}

func (s *sessionCounter) SessionStarted() { atomic.AddInt64(&s.n, 1) }
func (s *sessionCounter) SessionEnded()    { atomic.AddInt64(&s.n, -1) }
func (s *sessionCounter) count() int       { return int(atomic.LoadInt64(&s.n)) }

func sampleResourceUsage() heartbeat.ResourceUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return heartbeat.ResourceUsage{
		MemAvailableMB: int(m.Sys / (1024 * 1024)),
	}
}

// detectPublicIP opens a UDP socket towards 8.8.8.8:80 (no packet is
// sent) to learn which local address the kernel would route through,
// and reports 127.0.0.1 when that dial fails.
func detectPublicIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", nil
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1", nil
	}
	return addr.IP.String(), nil
}

type enrollRequest struct {
	Hostname     string   `json:"hostname"`
	IPAddress    string   `json:"ip_address"`
	SSHPort      int      `json:"ssh_port"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities"`
}

type enrollResponse struct {
	AgentID            string `json:"agent_id"`
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token"`
	CAPublicKey        string `json:"ca_public_key"`
	HeartbeatIntervalS int    `json:"heartbeat_interval_s"`
}

func enroll(ctx context.Context, client *http.Client, cfg config.AgentConfig, req enrollRequest) (enrollResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return enrollResponse{}, trace.Wrap(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ManagementServer+"/api/v1/agents/enroll", bytes.NewReader(body))
	if err != nil {
		return enrollResponse{}, trace.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Enrollment-Key", cfg.EnrollmentKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return enrollResponse{}, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return enrollResponse{}, trace.Wrap(readAPIError(resp))
	}
	var out enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return enrollResponse{}, trace.Wrap(err, "decoding enroll response")
	}
	return out, nil
}

// httpTransport implements lib/agent/heartbeat.Transport against the
// control plane's HTTP API.
type httpTransport struct {
	client  *http.Client
	baseURL string
}

type heartbeatRequest struct {
	Status         string                 `json:"status"`
	ActiveSessions int                    `json:"active_sessions"`
	Resources      heartbeatResourcesWire `json:"resources"`
	Timestamp      string                 `json:"timestamp"`
}

type heartbeatResourcesWire struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemPercent     float64 `json:"mem_percent"`
	MemAvailableMB int     `json:"mem_available_mb"`
	Connections    int     `json:"connections"`
}

type heartbeatResponseWire struct {
	Commands     []commandWire `json:"commands"`
	CAPublicKeys []string      `json:"ca_public_keys,omitempty"`
}

type commandWire struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

func (t *httpTransport) Heartbeat(ctx context.Context, accessToken string, req heartbeat.Request) (heartbeat.Result, error) {
	body, err := json.Marshal(heartbeatRequest{
		Status:         "active",
		ActiveSessions: req.ActiveSessions,
		Resources: heartbeatResourcesWire{
			CPUPercent:     req.Resources.CPUPercent,
			MemPercent:     req.Resources.MemPercent,
			MemAvailableMB: req.Resources.MemAvailableMB,
			Connections:    req.Resources.Connections,
		},
		Timestamp: req.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return heartbeat.Result{}, trace.Wrap(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/agents/heartbeat", bytes.NewReader(body))
	if err != nil {
		return heartbeat.Result{}, trace.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return heartbeat.Result{}, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return heartbeat.Result{}, trace.Wrap(readAPIError(resp))
	}
	var out heartbeatResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return heartbeat.Result{}, trace.Wrap(err, "decoding heartbeat response")
	}
	cmds := make([]types.Command, 0, len(out.Commands))
	for _, c := range out.Commands {
		cmds = append(cmds, types.Command{Type: c.Type, Params: c.Params})
	}
	return heartbeat.Result{Commands: cmds, CAPublicKeys: out.CAPublicKeys}, nil
}

func (t *httpTransport) Refresh(ctx context.Context, refreshToken string) (heartbeat.TokenPair, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/agents/refresh", nil)
	if err != nil {
		return heartbeat.TokenPair{}, trace.Wrap(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+refreshToken)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return heartbeat.TokenPair{}, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return heartbeat.TokenPair{}, trace.Wrap(readAPIError(resp))
	}
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return heartbeat.TokenPair{}, trace.Wrap(err, "decoding refresh response")
	}
	return heartbeat.TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		AccessExpiry: time.Now().Add(accessTokenTTL),
	}, nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("gough-agent: request failed: %s: %s", resp.Status, string(body))
}
