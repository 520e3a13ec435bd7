// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by package tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests that wait on hub events or state changes never hang
// and never call time.After themselves. They are the only wall-clock
// timeouts in the test suite; everything else runs on a fake clock.
package testutil
