// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/codec"
	"github.com/bureau-foundation/chatsync/lib/hub"
	"github.com/bureau-foundation/chatsync/lib/hub/hubtest"
	"github.com/bureau-foundation/chatsync/lib/testutil"
)

const wait = 5 * time.Second

type echoRequest struct {
	Text string `json:"text"`
}

type echoReply struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

type lifecycle struct {
	events       chan string
	reconnecting chan error
	reconnected  chan struct{}
	closed       chan error
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		events:       make(chan string, 16),
		reconnecting: make(chan error, 4),
		reconnected:  make(chan struct{}, 4),
		closed:       make(chan error, 1),
	}
}

func (l *lifecycle) handlers() hub.Handlers {
	return hub.Handlers{
		OnEvent: func(target string, payload hub.Payload) {
			var body echoRequest
			if err := payload.Decode(&body); err != nil {
				l.events <- target + ":decode-error"
				return
			}
			l.events <- target + ":" + body.Text
		},
		OnReconnecting: func(err error) { l.reconnecting <- err },
		OnReconnected:  func() { l.reconnected <- struct{}{} },
		OnClose:        func(err error) { l.closed <- err },
	}
}

func dial(t *testing.T, server *hubtest.Server, config hub.Config, handlers hub.Handlers) *hub.Conn {
	t.Helper()
	config.URL = server.URL
	config.KeepAlive = -1
	if config.TokenProvider == nil {
		config.TokenProvider = func(context.Context) (string, error) { return "token", nil }
	}
	conn, err := hub.Dial(context.Background(), config, handlers)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	testutil.RequireReceive(t, server.Connected(), wait, "server saw handshake")
	return conn
}

func TestInvokeRoundTrip(t *testing.T) {
	for _, protocol := range []codec.Protocol{codec.JSON, codec.CBOR} {
		t.Run(protocol.Name(), func(t *testing.T) {
			server := hubtest.NewServer(t)
			server.Handle("echo", func(invocation hubtest.Invocation) (any, error) {
				var request echoRequest
				if err := invocation.Decode(&request); err != nil {
					return nil, err
				}
				return echoReply{Text: request.Text, Count: len(request.Text)}, nil
			})

			conn := dial(t, server, hub.Config{Protocol: protocol}, hub.Handlers{})

			var reply echoReply
			if err := conn.Invoke(context.Background(), "echo", echoRequest{Text: "hello"}, &reply); err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if reply.Text != "hello" || reply.Count != 5 {
				t.Errorf("reply = %+v", reply)
			}

			invocation := testutil.RequireReceive(t, server.Invocations(), wait, "recorded invocation")
			if invocation.Method != "echo" || invocation.Token != "token" {
				t.Errorf("invocation = %+v", invocation)
			}
		})
	}
}

func TestInvokeServerError(t *testing.T) {
	server := hubtest.NewServer(t)
	server.Handle("sendMessage", func(hubtest.Invocation) (any, error) {
		return nil, errors.New("not a member")
	})
	conn := dial(t, server, hub.Config{}, hub.Handlers{})

	err := conn.Invoke(context.Background(), "sendMessage", echoRequest{Text: "x"}, nil)
	var invocationErr *hub.InvocationError
	if !errors.As(err, &invocationErr) {
		t.Fatalf("expected *InvocationError, got %v", err)
	}
	if invocationErr.Method != "sendMessage" || invocationErr.Message != "not a member" {
		t.Errorf("InvocationError = %+v", invocationErr)
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	server := hubtest.NewServer(t)
	events := newLifecycle()
	dial(t, server, hub.Config{}, events.handlers())

	for i := range 5 {
		if err := server.Broadcast("message-created", echoRequest{Text: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	for i := range 5 {
		got := testutil.RequireReceive(t, events.events, wait, "event %d", i)
		if want := fmt.Sprintf("message-created:%d", i); got != want {
			t.Errorf("event %d = %q, want %q", i, got, want)
		}
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	server := hubtest.NewServer(t)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	events := newLifecycle()

	var tokenCalls atomic.Int32
	conn := dial(t, server, hub.Config{
		Clock:       fake,
		RetryDelays: []time.Duration{0, time.Second},
		TokenProvider: func(context.Context) (string, error) {
			return fmt.Sprintf("token-%d", tokenCalls.Add(1)), nil
		},
	}, events.handlers())

	server.DropAll()
	testutil.RequireReceive(t, events.reconnecting, wait, "OnReconnecting")
	testutil.RequireReceive(t, events.reconnected, wait, "OnReconnected")
	connection := testutil.RequireReceive(t, server.Connected(), wait, "second handshake")
	if connection.Token != "token-2" {
		t.Errorf("reconnect used token %q, want a fresh token-2", connection.Token)
	}

	if !conn.Connected() {
		t.Fatal("Connected() = false after reconnect")
	}
	if err := conn.Invoke(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("Invoke after reconnect: %v", err)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	server := hubtest.NewServer(t)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	events := newLifecycle()
	conn := dial(t, server, hub.Config{
		Clock:       fake,
		RetryDelays: []time.Duration{0, time.Second},
	}, events.handlers())

	server.SetRefusing(true)
	server.DropAll()
	testutil.RequireReceive(t, events.reconnecting, wait, "OnReconnecting")

	// The immediate attempt fails; the second waits on the clock.
	fake.WaitForTimers(1)
	if err := conn.Invoke(context.Background(), "ping", nil, nil); !errors.Is(err, hub.ErrNotConnected) {
		t.Errorf("Invoke while reconnecting = %v, want ErrNotConnected", err)
	}
	fake.Advance(time.Second)

	err := testutil.RequireReceive(t, events.closed, wait, "OnClose after exhausting retries")
	if err == nil {
		t.Fatal("OnClose error = nil, want the last dial error")
	}
	if conn.Connected() {
		t.Error("Connected() = true after giving up")
	}
	if err := conn.Invoke(context.Background(), "ping", nil, nil); !errors.Is(err, hub.ErrClosed) {
		t.Errorf("Invoke after giving up = %v, want ErrClosed", err)
	}
}

func TestCloseStopsConnection(t *testing.T) {
	server := hubtest.NewServer(t)
	events := newLifecycle()
	conn := dial(t, server, hub.Config{}, events.handlers())

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := testutil.RequireReceive(t, events.closed, wait, "OnClose"); err != nil {
		t.Errorf("OnClose after Close = %v, want nil", err)
	}
	select {
	case <-events.reconnecting:
		t.Error("Close must not trigger reconnection")
	default:
	}
	if err := conn.Invoke(context.Background(), "ping", nil, nil); !errors.Is(err, hub.ErrClosed) {
		t.Errorf("Invoke after Close = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPendingInvocationFailsOnDrop(t *testing.T) {
	server := hubtest.NewServer(t)
	release := make(chan struct{})
	defer close(release)
	server.Handle("slow", func(hubtest.Invocation) (any, error) {
		<-release
		return nil, nil
	})
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	conn := dial(t, server, hub.Config{Clock: fake, RetryDelays: []time.Duration{time.Hour}}, hub.Handlers{})

	result := make(chan error, 1)
	go func() { result <- conn.Invoke(context.Background(), "slow", nil, nil) }()
	testutil.RequireReceive(t, server.Invocations(), wait, "slow invocation reached the server")

	server.DropAll()
	err := testutil.RequireReceive(t, result, wait, "Invoke result")
	if !errors.Is(err, hub.ErrConnectionLost) {
		t.Fatalf("Invoke = %v, want ErrConnectionLost", err)
	}
}

func TestDialUnauthorized(t *testing.T) {
	server := hubtest.NewServer(t)
	server.Authorize(func(token string) bool { return token == "good" })

	_, err := hub.Dial(context.Background(), hub.Config{
		URL:           server.URL,
		KeepAlive:     -1,
		TokenProvider: func(context.Context) (string, error) { return "bad", nil },
	}, hub.Handlers{})
	if err == nil {
		t.Fatal("expected Dial to fail with a rejected token")
	}
}

func TestDialValidation(t *testing.T) {
	token := func(context.Context) (string, error) { return "t", nil }
	cases := []hub.Config{
		{TokenProvider: token},
		{URL: "http://example.com/hub", TokenProvider: token},
		{URL: "ws://example.com/hub"},
	}
	for _, config := range cases {
		if _, err := hub.Dial(context.Background(), config, hub.Handlers{}); err == nil {
			t.Errorf("Dial(%+v) succeeded, want validation error", config)
		}
	}
}
