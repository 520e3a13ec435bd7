// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveState("message", "connected")
	m.ObserveReconnect("message", "reconnected")
	m.ObserveInvocation("sendMessage", ResultOK, time.Millisecond)
	m.ObserveMerge("inserted")
	m.ObservePage(ResultOK)
	m.ObserveUpload(ResultOK)
	m.SetOpenConversations(2)
	m.SetUnread(5)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveState("message", "connected")
	m.ObserveState("message", "connected")
	m.ObserveInvocation("sendMessage", ResultRequestError, 20*time.Millisecond)
	m.ObserveMerge("replaced")
	m.SetOpenConversations(3)

	if got := testutil.ToFloat64(m.stateTransitions.WithLabelValues("message", "connected")); got != 2 {
		t.Errorf("state transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("sendMessage", ResultRequestError)); got != 1 {
		t.Errorf("invocations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mergeChanges.WithLabelValues("replaced")); got != 1 {
		t.Errorf("merge changes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.openWindows); got != 3 {
		t.Errorf("open conversations = %v, want 3", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObservePage(ResultOK)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	response, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), `chatsync_history_pages_total{result="ok"} 1`) {
		t.Errorf("exposition missing page counter:\n%s", body)
	}
}
