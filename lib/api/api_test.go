/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/agentauth"
	"github.com/penguintechinc/gough/lib/api/ws"
	"github.com/penguintechinc/gough/lib/authz"
	"github.com/penguintechinc/gough/lib/backend/memory"
	"github.com/penguintechinc/gough/lib/cloud"
	"github.com/penguintechinc/gough/lib/heartbeat"
	"github.com/penguintechinc/gough/lib/orchestrator"
	"github.com/penguintechinc/gough/lib/secrets"
	"github.com/penguintechinc/gough/lib/secrets/encrypteddb"
	"github.com/penguintechinc/gough/lib/shellbroker"
	"github.com/penguintechinc/gough/lib/sshca"
	"github.com/penguintechinc/gough/lib/userauth"
)

// testServer wires every component against a fresh in-memory backend,
// the same dependency graph tool/gough-server/main.go assembles for a
// real deployment, minus the Postgres/Redis backends.
type testServer struct {
	handler http.Handler
	backend *memory.Backend
	clock   clockwork.FakeClock
	ca      *sshca.Authority
	agents  *agentauth.Authenticator
	secrets secrets.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClock()
	be := memory.New(clock)
	ctx := context.Background()

	store, err := encrypteddb.New(be, make([]byte, 32))
	require.NoError(t, err)

	ua, err := userauth.New(userauth.Config{Backend: be, Clock: clock})
	require.NoError(t, err)

	aa, err := agentauth.New(agentauth.Config{Backend: be, Secrets: store, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, aa.Init(ctx))

	ca, err := sshca.NewAuthority(sshca.Config{Backend: be, Secrets: store, Clock: clock})
	require.NoError(t, err)
	_, err = ca.Init(ctx, "user-ca", types.CATypeUser, 3600, 43200, []string{"ubuntu"})
	require.NoError(t, err)

	hb, err := heartbeat.New(heartbeat.Config{Backend: be, Clock: clock, CAKeys: ca})
	require.NoError(t, err)

	evaluator := authz.NewEvaluator(be)

	broker, err := shellbroker.New(shellbroker.Config{Backend: be, Evaluator: evaluator, CA: ca, Commands: hb, Clock: clock})
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Config{Backend: be, Registry: cloud.NewRegistry(), Secrets: store, Clock: clock})
	require.NoError(t, err)

	bridge, err := ws.New(ws.Config{Backend: be, Principals: broker, CA: ca, Clock: clock})
	require.NoError(t, err)

	handler, err := NewServer(Config{
		Backend:      be,
		Clock:        clock,
		UserAuth:     ua,
		AgentAuth:    aa,
		Heartbeat:    hb,
		Orchestrator: orch,
		Evaluator:    evaluator,
		CA:           ca,
		Broker:       broker,
		WS:           bridge,
	})
	require.NoError(t, err)

	return &testServer{handler: handler, backend: be, clock: clock, ca: ca, agents: aa, secrets: store}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func createAdmin(t *testing.T, ts *testServer, email, password string) types.User {
	t.Helper()
	hash, err := userauth.HashPassword(password)
	require.NoError(t, err)
	u, err := ts.backend.CreateUser(context.Background(), types.User{
		Email:        email,
		PasswordHash: hash,
		Active:       true,
	})
	require.NoError(t, err)
	require.NoError(t, ts.backend.SetUserRoles(context.Background(), u.ID, []types.Role{types.RoleAdmin}))
	return u
}

func login(t *testing.T, ts *testServer, email, password string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.NotEmpty(t, out.Data.Token)
	return out.Data.Token
}

func TestLoginThenListUsersRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	createAdmin(t, ts, "root@example.com", "hunter2hunter2")

	token := login(t, ts, "root@example.com", "hunter2hunter2")

	w := ts.do(t, http.MethodGet, "/api/v1/users", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/users", "not-a-real-token", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ts := newTestServer(t)
	createAdmin(t, ts, "root@example.com", "hunter2hunter2")

	w := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "root@example.com",
		"password": "wrong",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAgentEnrollThenHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	plaintext, hash, err := agentauth.GenerateEnrollmentKey()
	require.NoError(t, err)
	require.NoError(t, ts.backend.CreateEnrollmentKey(ctx, types.EnrollmentKey{
		KeyHash:   hash,
		ExpiresAt: ts.clock.Now().Add(time.Hour),
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enroll", bytes.NewReader(mustJSON(t, map[string]any{
		"hostname":   "node-1.internal",
		"ip_address": "10.0.0.5",
		"ssh_port":   2222,
	})))
	r.Header.Set("X-Enrollment-Key", plaintext)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code)

	var enrolled struct {
		Data struct {
			AgentID     string `json:"agent_id"`
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&enrolled))
	require.NotEmpty(t, enrolled.Data.AccessToken)

	w = ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", enrolled.Data.AccessToken, map[string]any{
		"status":          "healthy",
		"active_sessions": 0,
		"resources": map[string]any{
			"cpu_percent":      12.5,
			"mem_percent":      30.0,
			"mem_available_mb": 2048,
			"connections":      1,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var beat struct {
		Data struct {
			CAPublicKeys []string `json:"ca_public_keys"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&beat))
	require.Len(t, beat.Data.CAPublicKeys, 1)
}

func TestSSHCARotateKeepsPreviousCAAcceptedUntilHeartbeatPicksUpNewOne(t *testing.T) {
	ts := newTestServer(t)
	createAdmin(t, ts, "root@example.com", "hunter2hunter2")
	token := login(t, ts, "root@example.com", "hunter2hunter2")

	w := ts.do(t, http.MethodPost, "/api/v1/ssh-ca/rotate", token, map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)

	var rotated struct {
		Data struct {
			Name      string `json:"name"`
			PublicKey string `json:"public_key"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rotated))
	require.NotEqual(t, "user-ca", rotated.Data.Name)
	require.NotEmpty(t, rotated.Data.PublicKey)

	// The heartbeat-carried CA key set must include both the new active
	// CA and the one it just deactivated, so agents don't drop
	// in-flight certs signed moments before the rotation landed.
	keys, err := ts.ca.UserCAPublicKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Contains(t, keys, rotated.Data.PublicKey)
}

func TestOpenShellAgainstTeamAssignment(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	admin := createAdmin(t, ts, "root@example.com", "hunter2hunter2")
	token := login(t, ts, "root@example.com", "hunter2hunter2")

	team, err := ts.backend.CreateTeam(ctx, types.Team{Name: "platform", CreatedBy: admin.ID})
	require.NoError(t, err)
	require.NoError(t, ts.backend.UpsertTeamMembership(ctx, types.TeamMembership{
		UserID: admin.ID, TeamID: team.ID, Role: types.TeamRoleOwner,
	}))
	_, err = ts.backend.UpsertResourceAssignment(ctx, types.ResourceAssignment{
		TeamID:          team.ID,
		ResourceType:    "machine",
		ResourceID:      "vm-1,ext-1",
		Permissions:     map[string]struct{}{"read": {}, "shell": {}},
		ShellPrincipals: []string{"ubuntu"},
	})
	require.NoError(t, err)

	plaintext, hash, err := agentauth.GenerateEnrollmentKey()
	require.NoError(t, err)
	require.NoError(t, ts.backend.CreateEnrollmentKey(ctx, types.EnrollmentKey{KeyHash: hash, ExpiresAt: ts.clock.Now().Add(time.Hour)}))
	w := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enroll", bytes.NewReader(mustJSON(t, map[string]any{
		"hostname": "vm-1", "ip_address": "10.0.0.9", "capabilities": []string{"ssh"},
	})))
	w.Header.Set("X-Enrollment-Key", plaintext)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, w)
	require.Equal(t, http.StatusCreated, rec.Code)

	var enrolled struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&enrolled))

	hbw := ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", enrolled.Data.AccessToken, map[string]any{
		"status":          "healthy",
		"active_sessions": 0,
		"resources":       map[string]any{"cpu_percent": 5.0, "mem_percent": 10.0, "mem_available_mb": 4096, "connections": 0},
	})
	require.Equal(t, http.StatusOK, hbw.Code)

	pub := testPublicKey(t)
	req := ts.do(t, http.MethodPost, "/api/v1/shell/sessions", token, map[string]string{
		"resource_type": "machine",
		"resource_id":   "vm-1,ext-1",
		"session_type":  "interactive",
		"public_key":    string(ssh.MarshalAuthorizedKey(pub)),
	})
	require.Equal(t, http.StatusCreated, req.Code)

	var opened struct {
		Data struct {
			SessionID   string `json:"session_id"`
			Certificate string `json:"certificate"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(req.Body).Decode(&opened))
	require.NotEmpty(t, opened.Data.Certificate)

	term := ts.do(t, http.MethodDelete, "/api/v1/shell/sessions/"+opened.Data.SessionID, token, nil)
	require.Equal(t, http.StatusNoContent, term.Code)
}

// TestOpenShellUsesGrantingTeamNotAnyTeamCaller(t *testing.T) exercises
// the non-global-admin path end to end: a user who is Owner on one
// team (which grants shell with a narrow principal) and Member on a
// second team (which has no shell grant at all) must pick up the
// first team's principals and nothing from the second team (such as
// its longer default validity), even though the caller belongs to both.
func TestOpenShellUsesGrantingTeamNotAnyTeamCaller(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	hash, err := userauth.HashPassword("hunter2hunter2")
	require.NoError(t, err)
	user, err := ts.backend.CreateUser(ctx, types.User{Email: "member@example.com", PasswordHash: hash, Active: true})
	require.NoError(t, err)

	grantingTeam, err := ts.backend.CreateTeam(ctx, types.Team{Name: "granting", DefaultShellValiditySec: 1800})
	require.NoError(t, err)
	require.NoError(t, ts.backend.UpsertTeamMembership(ctx, types.TeamMembership{UserID: user.ID, TeamID: grantingTeam.ID, Role: types.TeamRoleOwner}))
	_, err = ts.backend.UpsertResourceAssignment(ctx, types.ResourceAssignment{
		TeamID: grantingTeam.ID, ResourceType: "machine", ResourceID: "vm-2",
		Permissions: map[string]struct{}{"shell": {}}, ShellPrincipals: []string{"deploy"},
	})
	require.NoError(t, err)

	otherTeam, err := ts.backend.CreateTeam(ctx, types.Team{Name: "unrelated", DefaultShellValiditySec: 7200})
	require.NoError(t, err)
	require.NoError(t, ts.backend.UpsertTeamMembership(ctx, types.TeamMembership{UserID: user.ID, TeamID: otherTeam.ID, Role: types.TeamRoleMember}))

	plaintext, keyHash, err := agentauth.GenerateEnrollmentKey()
	require.NoError(t, err)
	require.NoError(t, ts.backend.CreateEnrollmentKey(ctx, types.EnrollmentKey{KeyHash: keyHash, ExpiresAt: ts.clock.Now().Add(time.Hour)}))
	enrollReq := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enroll", bytes.NewReader(mustJSON(t, map[string]any{
		"hostname": "vm-2", "ip_address": "10.0.0.10", "capabilities": []string{"ssh"},
	})))
	enrollReq.Header.Set("X-Enrollment-Key", plaintext)
	enrollRec := httptest.NewRecorder()
	ts.handler.ServeHTTP(enrollRec, enrollReq)
	require.Equal(t, http.StatusCreated, enrollRec.Code)

	var enrolled struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(enrollRec.Body).Decode(&enrolled))
	hbw := ts.do(t, http.MethodPost, "/api/v1/agents/heartbeat", enrolled.Data.AccessToken, map[string]any{
		"status":          "healthy",
		"active_sessions": 0,
		"resources":       map[string]any{"cpu_percent": 5.0, "mem_percent": 10.0, "mem_available_mb": 4096, "connections": 0},
	})
	require.Equal(t, http.StatusOK, hbw.Code)

	token := login(t, ts, "member@example.com", "hunter2hunter2")
	pub := testPublicKey(t)
	req := ts.do(t, http.MethodPost, "/api/v1/shell/sessions", token, map[string]string{
		"resource_type": "machine",
		"resource_id":   "vm-2",
		"session_type":  "interactive",
		"public_key":    string(ssh.MarshalAuthorizedKey(pub)),
	})
	require.Equal(t, http.StatusCreated, req.Code)

	var opened struct {
		Data struct {
			SessionID   string `json:"session_id"`
			Certificate string `json:"certificate"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(req.Body).Decode(&opened))
	cert, _, _, _, err := ssh.ParseAuthorizedKey([]byte(opened.Data.Certificate))
	require.NoError(t, err)
	parsedCert := cert.(*ssh.Certificate)
	require.Equal(t, []string{"deploy"}, parsedCert.ValidPrincipals)
}

func TestCreateEnrollmentKeyThenEnrollAgent(t *testing.T) {
	ts := newTestServer(t)
	createAdmin(t, ts, "root@example.com", "hunter2hunter2")
	token := login(t, ts, "root@example.com", "hunter2hunter2")

	w := ts.do(t, http.MethodPost, "/api/v1/enrollment-keys", token, map[string]string{})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data struct {
			Key string `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.NotEmpty(t, created.Data.Key)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enroll", bytes.NewReader(mustJSON(t, map[string]any{
		"hostname": "agent-1", "ip_address": "10.0.0.7",
	})))
	r.Header.Set("X-Enrollment-Key", created.Data.Key)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Reissuing the same enrollment key is rejected: it is single-use.
	r2 := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enroll", bytes.NewReader(mustJSON(t, map[string]any{
		"hostname": "agent-1", "ip_address": "10.0.0.7",
	})))
	r2.Header.Set("X-Enrollment-Key", created.Data.Key)
	rec2 := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec2, r2)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestMaasWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	provider, err := ts.backend.CreateProvider(ctx, types.CloudProvider{Name: "maas-1", Type: types.ProviderMaaS, Active: true})
	require.NoError(t, err)
	require.NoError(t, ts.secrets.Set(ctx, orchestrator.WebhookSecretKey(provider.ID), []byte("shh")))

	r := httptest.NewRequest(http.MethodPost, "/webhooks/maas?provider_id="+provider.ID, bytes.NewReader([]byte(`{"system_id":"abc","event":"deployed"}`)))
	r.Header.Set("X-Webhook-Signature", "deadbeef")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthzAndReadyz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return buf
}

func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return pub
}
