package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBackoffDelayMonotonicAndCapped(t *testing.T) {
	s := NewSession(SessionOptions{
		URL:          "ws://unused",
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
	})

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		delay := s.BackoffDelay(attempt)
		if delay < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, delay, prev)
		}
		if delay > 60*time.Second {
			t.Fatalf("delay above cap at attempt %d: %s", attempt, delay)
		}
		prev = delay
	}
	if s.BackoffDelay(0) != 5*time.Second {
		t.Fatalf("first delay = %s, want initial", s.BackoffDelay(0))
	}
	if s.BackoffDelay(11) != 60*time.Second {
		t.Fatalf("late delay = %s, want cap", s.BackoffDelay(11))
	}
}

// gatewayHandler is a scripted fake OneBot endpoint.
type gatewayHandler func(t *testing.T, conn *websocket.Conn)

func startGateway(t *testing.T, handler gatewayHandler) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, errUpgrade := upgrader.Upgrade(w, r, nil)
		if errUpgrade != nil {
			return
		}
		defer conn.Close()
		handler(t, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echoResponder(t *testing.T, conn *websocket.Conn) {
	for {
		_, payload, errRead := conn.ReadMessage()
		if errRead != nil {
			return
		}
		var req struct {
			Action string `json:"action"`
			Echo   string `json:"echo"`
		}
		if errUnmarshal := json.Unmarshal(payload, &req); errUnmarshal != nil {
			continue
		}
		if req.Action == "ignored_action" {
			continue
		}
		resp := map[string]any{
			"status":  "ok",
			"retcode": 0,
			"echo":    req.Echo,
			"data":    map[string]any{"action": req.Action},
		}
		if errWrite := conn.WriteJSON(resp); errWrite != nil {
			return
		}
	}
}

func connectSession(t *testing.T, s *Session) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Connect(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("session never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("connect loop did not stop")
		}
	})
	return cancel
}

func TestCallCorrelatesResponse(t *testing.T) {
	url := startGateway(t, echoResponder)
	s := NewSession(SessionOptions{URL: url, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	connectSession(t, s)

	res, errCall := s.Call(context.Background(), "send_group_msg", map[string]any{"group_id": 1}, 2*time.Second)
	if errCall != nil {
		t.Fatalf("call: %v", errCall)
	}
	if res.Get("data.action").String() != "send_group_msg" {
		t.Fatalf("wrong response correlated: %s", res.Raw)
	}
}

func TestCallTimeoutReturnsNoResult(t *testing.T) {
	url := startGateway(t, echoResponder)
	s := NewSession(SessionOptions{URL: url, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	connectSession(t, s)

	_, errCall := s.Call(context.Background(), "ignored_action", nil, 100*time.Millisecond)
	if !errors.Is(errCall, ErrNoResult) {
		t.Fatalf("err = %v, want ErrNoResult", errCall)
	}

	// The waiter was removed; the table does not leak.
	s.mu.Lock()
	pending := len(s.waiters)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("waiters left registered: %d", pending)
	}
}

func TestEventsStreamSkipsEchoFrames(t *testing.T) {
	url := startGateway(t, func(t *testing.T, conn *websocket.Conn) {
		// A stray echo frame must never surface as an event.
		_ = conn.WriteJSON(map[string]any{"status": "ok", "retcode": 0, "echo": "stale"})
		_ = conn.WriteJSON(map[string]any{"post_type": "notice", "notice_type": "group_increase", "group_id": 55, "user_id": 100})
		// Keep the socket open until the client goes away.
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				return
			}
		}
	})
	s := NewSession(SessionOptions{URL: url, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	connectSession(t, s)

	select {
	case ev := <-s.Events():
		if ev.PostType != PostTypeNotice || ev.NoticeType != NoticeGroupIncrease {
			t.Fatalf("unexpected first event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInvalidTokenRetcodeIsTerminal(t *testing.T) {
	url := startGateway(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"status": "failed", "retcode": RetcodeInvalidToken})
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				return
			}
		}
	})
	s := NewSession(SessionOptions{URL: url, MaxRetries: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	errConnect := s.Connect(context.Background())
	if !errors.Is(errConnect, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", errConnect)
	}
}

func TestHandshakeRejectionIsTerminal(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	s := NewSession(SessionOptions{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		AccessToken:  "bad-token",
		MaxRetries:   3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	})

	errConnect := s.Connect(context.Background())
	if !errors.Is(errConnect, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", errConnect)
	}
	// A rejected token must not be retried through the budget.
	if attempts.Load() != 1 {
		t.Fatalf("handshake attempts = %d, want 1", attempts.Load())
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	// Nothing listens on this address.
	s := NewSession(SessionOptions{
		URL:          "ws://127.0.0.1:1",
		MaxRetries:   2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	})

	errConnect := s.Connect(context.Background())
	if !errors.Is(errConnect, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", errConnect)
	}
}
