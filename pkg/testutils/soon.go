// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

// Package testutils provides helpers shared by tests across packages.
package testutils

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultSucceedsSoonDuration is the maximum amount of time unittests will
// wait for a condition to become true.
const DefaultSucceedsSoonDuration = 45 * time.Second

// SucceedsSoon fails the test (with a stack trace) unless the supplied
// function runs without error within DefaultSucceedsSoonDuration. The
// function is invoked repeatedly with exponential backoff.
func SucceedsSoon(t testing.TB, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(DefaultSucceedsSoonDuration)
	wait := time.Millisecond
	for {
		err := fn()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition failed to evaluate within %s: %+v",
				DefaultSucceedsSoonDuration, errors.WithStack(err))
		}
		time.Sleep(wait)
		if wait < time.Second {
			wait *= 2
		}
	}
}
