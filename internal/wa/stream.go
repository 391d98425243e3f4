package wa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultStreamURL = "ws://127.0.0.1:8090/ws/messages"

// InboundMessage is one group message the bridge classified and pushed.
// Intent and Side are the classifier's strings; the dispatcher maps them
// to its own types.
type InboundMessage struct {
	MessageID  string `json:"message_id"`
	GroupJID   string `json:"group_jid"`
	SenderJID  string `json:"sender_jid"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	Intent     string `json:"intent"`
	Side       string `json:"side"`
	Timestamp  int64  `json:"timestamp"`
}

// Envelope frames every event on the stream.
type Envelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Socket is one live websocket connection to the bridge.
type Socket struct {
	url   string
	token string
	conn  *websocket.Conn
}

func NewSocket(url, token string) *Socket {
	if strings.TrimSpace(url) == "" {
		url = DefaultStreamURL
	}
	return &Socket{url: url, token: token}
}

func (s *Socket) Connect(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("socket is nil")
	}
	var opts *websocket.DialOptions
	if s.token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+s.token)
		opts = &websocket.DialOptions{HTTPHeader: header}
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return err
	}
	// Reconnects can deliver a backlog batch; the 32K default is too tight.
	conn.SetReadLimit(1 << 20)
	s.conn = conn
	return nil
}

func (s *Socket) Close(status websocket.StatusCode, reason string) error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close(status, reason)
}

func (s *Socket) Read(ctx context.Context) (Envelope, []byte, error) {
	if s == nil || s.conn == nil {
		return Envelope{}, nil, fmt.Errorf("socket not connected")
	}
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Envelope{}, nil, err
	}
	var env Envelope
	_ = json.Unmarshal(data, &env)
	return env, data, nil
}

func (s *Socket) respondPong(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("socket not connected")
	}
	return s.conn.Write(ctx, websocket.MessageText, []byte(`{"event_type":"pong"}`))
}

type StreamOptions struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// Stream consumes the bridge's message feed, reconnecting with jittered
// exponential backoff for as long as its context lives.
type Stream struct {
	opts      StreamOptions
	seenFirst bool
}

func NewStream(opts StreamOptions) *Stream {
	if opts.URL == "" {
		opts.URL = DefaultStreamURL
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Stream{opts: opts}
}

// Run blocks until the context is cancelled, delivering each decoded
// message to onMessage. Connection failures reconnect; decode failures
// skip the frame.
func (s *Stream) Run(ctx context.Context, onMessage func(InboundMessage)) error {
	if s == nil {
		return fmt.Errorf("stream is nil")
	}
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		socket := NewSocket(s.opts.URL, s.opts.Token)
		if err := socket.Connect(ctx); err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("bridge ws connect failed", zap.Error(err))
			}
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		if s.opts.Logger != nil {
			s.opts.Logger.Info("bridge ws connected")
		}
		backoff = s.opts.BackoffMin

		err := s.consume(ctx, socket, onMessage)
		_ = socket.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *Stream) consume(ctx context.Context, socket *Socket, onMessage func(InboundMessage)) error {
	heartbeatErr := make(chan error, 1)
	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				heartbeatErr <- heartbeatCtx.Err()
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(heartbeatCtx, s.opts.PingTimeout)
				err := socket.conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					heartbeatErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-heartbeatErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		default:
		}
		env, raw, err := socket.Read(ctx)
		if err != nil {
			if s.opts.Logger != nil && !errors.Is(err, context.Canceled) {
				s.opts.Logger.Warn("bridge ws read failed", zap.Error(err))
			}
			return err
		}
		if isPingPayload(env, raw) {
			_ = socket.respondPong(ctx)
			continue
		}
		if !strings.EqualFold(env.EventType, "message") {
			continue
		}
		var msg InboundMessage
		src := env.Data
		if len(src) == 0 {
			src = raw
		}
		if err := json.Unmarshal(src, &msg); err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("bridge ws bad message frame", zap.Error(err))
			}
			continue
		}
		if s.opts.Logger != nil && !s.seenFirst {
			s.seenFirst = true
			s.opts.Logger.Info("bridge ws first message", zap.String("group_jid", msg.GroupJID))
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func isPingPayload(env Envelope, raw []byte) bool {
	if strings.EqualFold(env.EventType, "ping") {
		return true
	}
	if strings.TrimSpace(string(raw)) == "ping" {
		return true
	}
	return false
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	var jitter time.Duration
	if half := int64(base / 2); half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
