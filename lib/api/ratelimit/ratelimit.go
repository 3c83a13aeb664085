/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit implements a Redis-backed fixed-window rate
// limiter, used to gate the login endpoint by client IP.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/gravitational/trace"
)

// script atomically increments the per-window counter and sets its
// expiry only on the first hit of the window, so a burst of requests
// never resets the TTL and extends the window indefinitely.
var script = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Config configures a Limiter.
type Config struct {
	Client *redis.Client
	// Limit is the number of requests allowed per Window (default 100).
	Limit int
	// Window is the fixed window duration (default 1m).
	Window time.Duration
	// KeyPrefix namespaces this limiter's keys in a shared Redis
	// instance (default "gough:ratelimit:").
	KeyPrefix string
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("ratelimit: Client is required")
	}
	if c.Limit == 0 {
		c.Limit = 100
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "gough:ratelimit:"
	}
	return nil
}

// Limiter enforces a fixed-window request count per key.
type Limiter struct {
	cfg Config
}

// New builds a Limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{cfg: cfg}, nil
}

// Allow reports whether key (e.g. a client IP) is still within its
// current window's request budget, incrementing the counter as a
// side effect of the check.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s%s", l.cfg.KeyPrefix, key)
	count, err := script.Run(ctx, l.cfg.Client, []string{redisKey}, l.cfg.Window.Milliseconds()).Int64()
	if err != nil {
		return false, trace.Wrap(err, "rate limit check for %q", key)
	}
	return count <= int64(l.cfg.Limit), nil
}
