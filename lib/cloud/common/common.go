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

// Package common holds behavior shared across lib/cloud provider
// drivers: state-mapping lookups, IP address classification, the
// default per-call timeout, and context-aware retry for transient
// provider errors.
package common

import (
	"context"
	"net"
	"time"

	"github.com/penguintechinc/gough/api/types"
)

// DefaultCallTimeout bounds a single outbound provider API call.
const DefaultCallTimeout = 30 * time.Second

// WithCallTimeout derives a context bounded by DefaultCallTimeout,
// unless ctx already carries an earlier deadline.
func WithCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < DefaultCallTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}

// StateMap looks up a native provider state string in table, falling
// back to types.StateUnknown for anything the driver's table does not
// name rather than erroring — an unrecognized state is surfaced, not
// fatal.
func StateMap(table map[string]types.MachineState, native string) types.MachineState {
	if s, ok := table[native]; ok {
		return s
	}
	return types.StateUnknown
}

// ClassifyIP splits addrs into public and private IPv4/IPv6 addresses.
// Malformed entries are dropped silently; providers occasionally
// report placeholder strings for unassigned interfaces.
func ClassifyIP(addrs []string) (public, private []string) {
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if isPrivateIP(ip) {
			private = append(private, a)
		} else {
			public = append(public, a)
		}
	}
	return public, private
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// Retryable reports whether err looks like a transient provider fault
// worth retrying: only a net.Error whose Timeout() is true counts.
// Every other error, including connection resets, is not retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ne, ok := err.(net.Error); ok { //nolint:errorlint // net.Error is checked directly per stdlib convention
		netErr = ne
		return netErr.Timeout()
	}
	return false
}

// RetryConfig bounds Retry's attempts.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig is three attempts with a 500ms base delay.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// cfg.MaxAttempts is exhausted, sleeping cfg.BaseDelay*attempt between
// tries (linear backoff, bounded attempt count keeps it simple for the
// handful of calls per request this sits on).
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.BaseDelay * time.Duration(attempt)):
		}
	}
	return err
}
