/*
Copyright 2024 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"time"

	"github.com/gravitational/trace"
)

// parseTimestamp parses an RFC3339 timestamp, defaulting to now when
// the field was omitted, so older agent builds that don't yet send
// one keep heartbeating successfully.
func parseTimestamp(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, trace.BadParameter("invalid timestamp %q: %v", v, err)
	}
	return t, nil
}
