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

// Package sshca implements the SSH Certificate Authority: key
// generation, certificate signing with validity and principal
// enforcement, and CA rotation with an overlap window.
package sshca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/penguintechinc/gough/api/types"
	"github.com/penguintechinc/gough/lib/secrets"
)

var log = logrus.WithField(trace.Component, "sshca")

const caKeyBits = 4096

// Backend is the subset of lib/backend.Backend the Authority needs.
type Backend interface {
	CreateCA(ctx context.Context, ca types.SSHCAConfig) error
	GetActiveCA(ctx context.Context, caType types.CAType) (types.SSHCAConfig, error)
	GetCA(ctx context.Context, name string) (types.SSHCAConfig, error)
	ListCAs(ctx context.Context, caType types.CAType) ([]types.SSHCAConfig, error)
	DeactivateCA(ctx context.Context, name string) error
	NextSerial(ctx context.Context, caName string) (uint64, error)
}

// Config configures an Authority.
type Config struct {
	Backend Backend
	Secrets secrets.Store
	Clock   clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("sshca: Backend is required")
	}
	if c.Secrets == nil {
		return trace.BadParameter("sshca: Secrets is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Authority signs SSH certificates on behalf of one or more named CAs.
type Authority struct {
	cfg Config
}

// NewAuthority builds an Authority from cfg.
func NewAuthority(cfg Config) (*Authority, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authority{cfg: cfg}, nil
}

func privateKeyRef(name string) string {
	return fmt.Sprintf("ssh-ca/%s/private_key", name)
}

// Init generates a new CA keypair and registers it as the active CA
// of caType, replacing any existing active CA of the same type (the
// prior one, if any, is left untouched — callers wanting an overlap
// window should use Rotate instead of calling Init twice).
func (a *Authority) Init(ctx context.Context, name string, caType types.CAType, defaultValiditySec, maxValiditySec int, allowedPrincipals []string) (types.SSHCAConfig, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return types.SSHCAConfig{}, trace.Wrap(err, "generating CA key")
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return types.SSHCAConfig{}, trace.Wrap(err, "wrapping CA signer")
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := a.cfg.Secrets.Set(ctx, privateKeyRef(name), privPEM); err != nil {
		return types.SSHCAConfig{}, trace.Wrap(err, "persisting CA private key")
	}

	ca := types.SSHCAConfig{
		Name:               name,
		Type:               caType,
		PublicKey:          string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
		PrivateKeyRef:      privateKeyRef(name),
		DefaultValiditySec: defaultValiditySec,
		MaxValiditySec:     maxValiditySec,
		AllowedPrincipals:  allowedPrincipals,
		Active:             true,
	}
	if err := a.cfg.Backend.CreateCA(ctx, ca); err != nil {
		return types.SSHCAConfig{}, trace.Wrap(err, "registering CA %q", name)
	}
	log.WithFields(logrus.Fields{"name": name, "type": caType}).Info("initialized SSH CA")
	return ca, nil
}

// Rotate creates a fresh active CA of caType, deactivating (but not
// deleting) the previous one so verifiers can accept certs signed by
// either during the overlap window.
func (a *Authority) Rotate(ctx context.Context, caType types.CAType, defaultValiditySec, maxValiditySec int, allowedPrincipals []string) (types.SSHCAConfig, error) {
	prev, err := a.cfg.Backend.GetActiveCA(ctx, caType)
	hadPrev := err == nil
	if err != nil && !trace.IsNotFound(err) {
		return types.SSHCAConfig{}, trace.Wrap(err)
	}

	name := fmt.Sprintf("%s-ca-%d", caType, a.cfg.Clock.Now().Unix())
	newCA, err := a.Init(ctx, name, caType, defaultValiditySec, maxValiditySec, allowedPrincipals)
	if err != nil {
		return types.SSHCAConfig{}, trace.Wrap(err)
	}

	if hadPrev {
		if err := a.cfg.Backend.DeactivateCA(ctx, prev.Name); err != nil {
			return types.SSHCAConfig{}, trace.Wrap(err, "deactivating previous CA %q", prev.Name)
		}
		log.WithFields(logrus.Fields{"previous": prev.Name, "new": newCA.Name}).Info("rotated SSH CA")
	}
	return newCA, nil
}

// ValidationError distinguishes Sign's caller-facing failure modes.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

const (
	ErrInvalidPrincipal = "invalid_principal"
	ErrValidityTooLong  = "validity_too_long"
)

func invalidPrincipal(msg string) error {
	return trace.Wrap(&ValidationError{Code: ErrInvalidPrincipal, Message: msg})
}

func validityTooLong(msg string) error {
	return trace.Wrap(&ValidationError{Code: ErrValidityTooLong, Message: msg})
}

// SignRequest describes a certificate to sign.
type SignRequest struct {
	PublicKey   ssh.PublicKey
	KeyID       string
	Principals  []string
	ValiditySec int
}

func subset(principals, allowed []string) bool {
	allow := make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		allow[p] = struct{}{}
	}
	for _, p := range principals {
		if _, ok := allow[p]; !ok {
			return false
		}
	}
	return true
}

// Sign issues a user certificate from the active CA of type "user".
func (a *Authority) Sign(ctx context.Context, req SignRequest) (*ssh.Certificate, error) {
	ca, err := a.cfg.Backend.GetActiveCA(ctx, types.CATypeUser)
	if err != nil {
		return nil, trace.Wrap(err, "loading active user CA")
	}
	return a.signWithCA(ctx, ca, req)
}

// MaxValiditySec returns the active user CA's configured validity
// ceiling, letting a caller clamp a requested validity to it before
// Sign would otherwise reject the request outright with
// ErrValidityTooLong.
func (a *Authority) MaxValiditySec(ctx context.Context) (int, error) {
	ca, err := a.cfg.Backend.GetActiveCA(ctx, types.CATypeUser)
	if err != nil {
		return 0, trace.Wrap(err, "loading active user CA")
	}
	return ca.MaxValiditySec, nil
}

// ActiveCA returns the currently active CA of caType, letting a caller
// (e.g. an admin rotate endpoint) inherit its validity and principal
// policy rather than guessing new values.
func (a *Authority) ActiveCA(ctx context.Context, caType types.CAType) (types.SSHCAConfig, error) {
	return a.cfg.Backend.GetActiveCA(ctx, caType)
}

// UserCAPublicKeys returns the active user CA's public key plus, during
// a rotation's overlap window, the most recently deactivated user CA's
// public key, both in OpenSSH authorized-key format. Agents poll this
// so a reverse-SSH verifier can keep accepting certs signed by a CA
// that Rotate has since superseded, without restarting.
func (a *Authority) UserCAPublicKeys(ctx context.Context) ([]string, error) {
	cas, err := a.cfg.Backend.ListCAs(ctx, types.CATypeUser)
	if err != nil {
		return nil, trace.Wrap(err, "listing user CAs")
	}
	var active *types.SSHCAConfig
	var lastDeactivated *types.SSHCAConfig
	for i := range cas {
		ca := &cas[i]
		if ca.Active {
			active = ca
			continue
		}
		if lastDeactivated == nil || caCreatedAt(ca.Name) > caCreatedAt(lastDeactivated.Name) {
			lastDeactivated = ca
		}
	}
	var keys []string
	if active != nil {
		keys = append(keys, active.PublicKey)
	}
	if lastDeactivated != nil {
		keys = append(keys, lastDeactivated.PublicKey)
	}
	return keys, nil
}

// caCreatedAt recovers the unix timestamp Init/Rotate embedded in a
// generated CA name ("<type>-ca-<unix>"), used to pick the most
// recently deactivated CA when no CreatedAt field is tracked
// separately. Names that don't match the generated format (e.g. a
// hand-picked name passed directly to Init) sort as oldest.
func caCreatedAt(name string) int64 {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0
	}
	ts, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// SignHost issues a host certificate from the active CA of type "host".
func (a *Authority) SignHost(ctx context.Context, req SignRequest) (*ssh.Certificate, error) {
	ca, err := a.cfg.Backend.GetActiveCA(ctx, types.CATypeHost)
	if err != nil {
		return nil, trace.Wrap(err, "loading active host CA")
	}
	return a.signWithCA(ctx, ca, req)
}

func (a *Authority) signWithCA(ctx context.Context, ca types.SSHCAConfig, req SignRequest) (*ssh.Certificate, error) {
	if len(req.Principals) == 0 {
		return nil, invalidPrincipal("at least one principal is required")
	}
	if len(ca.AllowedPrincipals) > 0 && !subset(req.Principals, ca.AllowedPrincipals) {
		return nil, invalidPrincipal(fmt.Sprintf("principals %v are not a subset of allowed principals for CA %q", req.Principals, ca.Name))
	}
	validitySec := req.ValiditySec
	if validitySec <= 0 {
		validitySec = ca.DefaultValiditySec
	}
	if validitySec > ca.MaxValiditySec {
		return nil, validityTooLong(fmt.Sprintf("requested validity %ds exceeds max %ds for CA %q", validitySec, ca.MaxValiditySec, ca.Name))
	}

	signer, err := a.loadSigner(ctx, ca)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	serial, err := a.cfg.Backend.NextSerial(ctx, ca.Name)
	if err != nil {
		return nil, trace.Wrap(err, "allocating serial for CA %q", ca.Name)
	}

	now := a.cfg.Clock.Now()
	certType := uint32(ssh.UserCert)
	if ca.Type == types.CATypeHost {
		certType = ssh.HostCert
	}
	cert := &ssh.Certificate{
		Key:             req.PublicKey,
		Serial:          serial,
		CertType:        certType,
		KeyId:           req.KeyID,
		ValidPrincipals: req.Principals,
		ValidAfter:      uint64(now.Add(-1 * time.Minute).Unix()),
		ValidBefore:     uint64(now.Add(time.Duration(validitySec) * time.Second).Unix()),
	}
	if err := cert.SignCert(rand.Reader, signer); err != nil {
		return nil, trace.Wrap(err, "signing certificate")
	}
	return cert, nil
}

func (a *Authority) loadSigner(ctx context.Context, ca types.SSHCAConfig) (ssh.Signer, error) {
	pemBytes, err := a.cfg.Secrets.Get(ctx, ca.PrivateKeyRef)
	if err != nil {
		return nil, trace.Wrap(err, "loading CA private key for %q", ca.Name)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, trace.BadParameter("CA %q private key is not valid PEM", ca.Name)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing CA private key for %q", ca.Name)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, trace.Wrap(err, "wrapping CA signer for %q", ca.Name)
	}
	return signer, nil
}

// GenerateKeyID builds the spec's "<email>@<resource_id>-<unix_ts>"
// key_id format.
func GenerateKeyID(clock clockwork.Clock, userEmail, resourceID string) string {
	return fmt.Sprintf("%s@%s-%d", userEmail, resourceID, clock.Now().Unix())
}
