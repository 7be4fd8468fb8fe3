package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// RetcodeInvalidToken is the gateway response code for bad credentials.
// It is terminal: reconnecting with the same token cannot succeed.
const RetcodeInvalidToken = 1403

var (
	// ErrNoResult is returned when a call times out. The remote action may
	// still have happened; callers must not assume it did not.
	ErrNoResult = errors.New("onebot: no result before timeout")
	// ErrNotConnected is returned when a call is attempted with no live socket.
	ErrNotConnected = errors.New("onebot: not connected")
	// ErrInvalidToken is returned when the gateway rejects the access token.
	ErrInvalidToken = errors.New("onebot: invalid access token")
	// ErrRetriesExhausted is returned when the reconnect budget runs out.
	ErrRetriesExhausted = errors.New("onebot: reconnect retries exhausted")
)

// SessionOptions tunes the gateway connection.
type SessionOptions struct {
	URL          string
	AccessToken  string
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	CallTimeout  time.Duration
}

// Session owns the single logical connection to the chat gateway. It
// reconnects with capped exponential backoff, correlates call responses by
// echo token and delivers every other inbound frame on the Events channel.
type Session struct {
	opts SessionOptions

	mu      sync.Mutex
	ws      *websocket.Conn
	waiters map[string]chan gjson.Result

	writeMu sync.Mutex

	events    chan *Event
	pongCh    chan struct{}
	connected atomic.Bool

	dial func(ctx context.Context) (*websocket.Conn, error)
}

// NewSession creates a disconnected session.
func NewSession(opts SessionOptions) *Session {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 5 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	s := &Session{
		opts:    opts,
		waiters: make(map[string]chan gjson.Result),
		events:  make(chan *Event, 64),
		pongCh:  make(chan struct{}, 1),
	}
	s.dial = s.dialGateway
	return s
}

// Events is the inbound stream of non-response frames. It is closed when
// Connect returns.
func (s *Session) Events() <-chan *Event {
	return s.events
}

// Connected reports whether a live socket is up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// BackoffDelay computes the reconnect delay for the given attempt:
// min(initial * 2^attempt, max).
func (s *Session) BackoffDelay(attempt int) time.Duration {
	delay := s.opts.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.MaxDelay {
			return s.opts.MaxDelay
		}
	}
	if delay > s.opts.MaxDelay {
		return s.opts.MaxDelay
	}
	return delay
}

// Connect dials the gateway and serves the read loop until the context is
// cancelled, the retry budget is exhausted, or the token is rejected.
// A successful connection resets the backoff counter.
func (s *Session) Connect(ctx context.Context) error {
	defer close(s.events)

	retries := 0
	for {
		if errCtx := ctx.Err(); errCtx != nil {
			return errCtx
		}

		conn, errDial := s.dial(ctx)
		if errDial != nil {
			if errors.Is(errDial, ErrInvalidToken) {
				// Operator intervention required; retrying the same token
				// cannot succeed.
				log.Error("gateway: access token rejected at handshake, giving up")
				return ErrInvalidToken
			}
			log.WithError(errDial).Warnf("gateway: connect to %s failed", s.opts.URL)
			retries++
			if retries > s.opts.MaxRetries {
				return ErrRetriesExhausted
			}
			if errWait := s.wait(ctx, s.BackoffDelay(retries-1)); errWait != nil {
				return errWait
			}
			continue
		}

		log.Infof("gateway: connected to %s", s.opts.URL)
		retries = 0
		errRead := s.serve(ctx, conn)
		s.dropConn()

		switch {
		case errors.Is(errRead, ErrInvalidToken):
			// Operator intervention required; log once at highest severity.
			log.Error("gateway: access token rejected, giving up")
			return ErrInvalidToken
		case ctx.Err() != nil:
			return ctx.Err()
		}

		log.WithError(errRead).Warn("gateway: connection lost, reconnecting")
		retries++
		if retries > s.opts.MaxRetries {
			return ErrRetriesExhausted
		}
		if errWait := s.wait(ctx, s.BackoffDelay(retries-1)); errWait != nil {
			return errWait
		}
	}
}

func (s *Session) dialGateway(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+s.opts.AccessToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, errDial := dialer.DialContext(ctx, s.opts.URL, header)
	if errDial != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrInvalidToken
		}
		return nil, errDial
	}
	return conn, nil
}

// serve installs the connection and pumps frames until the socket fails.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	s.mu.Lock()
	s.ws = conn
	s.mu.Unlock()
	s.connected.Store(true)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, payload, errRead := conn.ReadMessage()
		if errRead != nil {
			return errRead
		}
		if !gjson.ValidBytes(payload) {
			log.Debugf("gateway: dropping malformed frame (%d bytes)", len(payload))
			continue
		}
		frame := gjson.ParseBytes(payload)

		if echo := frame.Get("echo"); echo.Exists() {
			s.resolve(echo.String(), frame)
			if frame.Get("retcode").Int() == RetcodeInvalidToken {
				return ErrInvalidToken
			}
			continue
		}
		if frame.Get("retcode").Int() == RetcodeInvalidToken {
			return ErrInvalidToken
		}

		select {
		case s.events <- parseEvent(frame):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dropConn clears the live socket. Registered waiters are preserved; each
// will time out on its own.
func (s *Session) dropConn() {
	s.connected.Store(false)
	s.mu.Lock()
	if s.ws != nil {
		_ = s.ws.Close()
		s.ws = nil
	}
	s.mu.Unlock()
}

func (s *Session) resolve(echo string, frame gjson.Result) {
	s.mu.Lock()
	ch, ok := s.waiters[echo]
	if ok {
		delete(s.waiters, echo)
	}
	s.mu.Unlock()
	if ok {
		ch <- frame
	}
}

// Call sends a framed action and blocks the caller (only) until the
// correlated response arrives or the timeout elapses. On timeout the waiter
// is removed and ErrNoResult returned; the remote action may still have
// been performed.
func (s *Session) Call(ctx context.Context, action string, params any, timeout time.Duration) (gjson.Result, error) {
	if timeout <= 0 {
		timeout = s.opts.CallTimeout
	}

	echo := uuid.NewString()
	waiter := make(chan gjson.Result, 1)
	s.mu.Lock()
	s.waiters[echo] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, echo)
		s.mu.Unlock()
	}()

	payload, errMarshal := json.Marshal(struct {
		Action string `json:"action"`
		Params any    `json:"params"`
		Echo   string `json:"echo"`
	}{Action: action, Params: params, Echo: echo})
	if errMarshal != nil {
		return gjson.Result{}, errMarshal
	}

	if errSend := s.send(payload); errSend != nil {
		return gjson.Result{}, errSend
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-waiter:
		return frame, nil
	case <-timer.C:
		log.Warnf("gateway: call %s timed out after %s", action, timeout)
		return gjson.Result{}, ErrNoResult
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	}
}

func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	conn := s.ws
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping sends a control ping and waits for the pong. A timeout is reported
// to the caller; recovery belongs to the reconnect loop, not here.
func (s *Session) Ping(timeout time.Duration) error {
	s.mu.Lock()
	conn := s.ws
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// Drain a stale pong from a previous probe.
	select {
	case <-s.pongCh:
	default:
	}

	s.writeMu.Lock()
	errWrite := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
	s.writeMu.Unlock()
	if errWrite != nil {
		return errWrite
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.pongCh:
		return nil
	case <-timer.C:
		return ErrNoResult
	}
}

func (s *Session) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
