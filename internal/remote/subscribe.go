package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/reader-sync/internal/domain"
	rserrors "github.com/alexjbarnes/reader-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// wsReadLimit bounds inbound frames. Snapshot frames carry whole
	// collections, so the limit matches the REST response cap.
	wsReadLimit = maxAPIResponseBytes

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the reader goroutine to the event loop.
	inboundChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// inboundMsg wraps a message read from the websocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the websocket connection so Subscriber can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Subscriber maintains the live subscription to the collection store.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound snapshots and
// heartbeat ticks, and owns all writes to the connection. Snapshot
// handlers run on the event loop goroutine, one at a time.
type Subscriber struct {
	conn   wsConn
	logger *slog.Logger

	host    string
	token   string
	userID  string
	keyHash string
	device  string

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	// connCancel cancels the per-connection context, stopping the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	handlers   map[domain.Domain][]subscriberEntry
	handlersMu sync.Mutex
	nextHandle int

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

type subscriberEntry struct {
	id int
	fn func(docs []json.RawMessage)
}

// SubscriberConfig holds the parameters needed to open a subscription.
type SubscriberConfig struct {
	Host    string
	Token   string
	UserID  string
	KeyHash string
	Device  string
}

// NewSubscriber creates a Subscriber from the given config.
func NewSubscriber(cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		logger:   logger,
		host:     cfg.Host,
		token:    cfg.Token,
		userID:   cfg.UserID,
		keyHash:  cfg.KeyHash,
		device:   cfg.Device,
		handlers: make(map[domain.Domain][]subscriberEntry),
	}
}

// Subscribe registers a handler for a domain's snapshot notifications
// and returns an unsubscribe function. Handlers registered while
// disconnected start receiving once Run (re)connects.
func (s *Subscriber) Subscribe(d domain.Domain, fn func(docs []json.RawMessage)) func() {
	s.handlersMu.Lock()
	id := s.nextHandle
	s.nextHandle++
	s.handlers[d] = append(s.handlers[d], subscriberEntry{id: id, fn: fn})
	s.handlersMu.Unlock()

	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()

		entries := s.handlers[d]
		for i, e := range entries {
			if e.id == id {
				s.handlers[d] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// UnsubscribeAll drops every registered handler. Called on sign-out.
func (s *Subscriber) UnsubscribeAll() {
	s.handlersMu.Lock()
	s.handlers = make(map[domain.Domain][]subscriberEntry)
	s.handlersMu.Unlock()
}

// connect dials the websocket and performs the init/auth handshake.
func (s *Subscriber) connect(ctx context.Context) error {
	url := "wss://" + s.host + "/v1/subscribe"
	s.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"reader-sync/" + s.device},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return s.handshake(ctx, conn)
}

// handshake performs the post-dial init/auth sequence. Extracted from
// connect so the auth logic can be tested with a mock wsConn without a
// real network connection.
func (s *Subscriber) handshake(ctx context.Context, conn wsConn) error {
	s.conn = conn
	s.conn.SetReadLimit(wsReadLimit)
	s.touchLastMessage()

	init := initMessage{
		Op:      "init",
		Token:   s.token,
		User:    s.userID,
		KeyHash: s.keyHash,
		Device:  s.device,
	}

	if err := s.writeJSON(ctx, init); err != nil {
		s.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	var resp initResponse
	if err := s.readJSON(ctx, &resp); err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		s.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("%w: %s", rserrors.ErrInvalidToken, msg)
	}

	s.logger.Info("subscription authenticated", slog.String("user", s.userID))

	return nil
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message. The goroutine
// captures ch and conn by value so a stale reader from a previous
// connection can never feed the new channel.
func (s *Subscriber) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Run connects and processes snapshot notifications until the context
// is cancelled, reconnecting with exponential backoff on connection
// loss. Returns only on permanent errors (auth rejection) or context
// cancellation.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	s.startReader(connCtx)

	// eventLoop always exits with an error: a read failure, a heartbeat
	// timeout, or the cancelled context.
	for {
		err := s.eventLoop(ctx, connCtx)

		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, rserrors.ErrInvalidToken) {
			return fmt.Errorf("permanent error: %w", err)
		}

		s.logger.Warn("subscription lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, rserrors.ErrInvalidToken) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}

			s.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		s.connCancel = connCancel
		s.startReader(connCtx)

		backoff = reconnectMin

		s.logger.Info("subscription reconnected")
	}
}

// Close tears down the current connection, if any.
func (s *Subscriber) Close() {
	if s.connCancel != nil {
		s.connCancel()
	}

	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// eventLoop processes one connection's inbound frames and heartbeat
// ticks. All writes happen here. Returns on read error or context
// cancellation.
func (s *Subscriber) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.handleInbound(msg.data)

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("subscription timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound dispatches a single inbound text frame.
func (s *Subscriber) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return

	case "snapshot":
		var msg snapshotMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("failed to decode snapshot", slog.String("error", err.Error()))
			return
		}

		d, err := domain.Parse(msg.Collection)
		if err != nil {
			s.logger.Warn("snapshot for unknown collection", slog.String("collection", msg.Collection))
			return
		}

		s.handlersMu.Lock()
		entries := make([]subscriberEntry, len(s.handlers[d]))
		copy(entries, s.handlers[d])
		s.handlersMu.Unlock()

		if len(entries) == 0 {
			s.logger.Debug("snapshot for unsubscribed collection", slog.String("collection", msg.Collection))
			return
		}

		for _, e := range entries {
			e.fn(msg.Docs)
		}

	default:
		s.logger.Debug("unexpected message", slog.String("op", op))
	}
}

func (s *Subscriber) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Subscriber) readJSON(ctx context.Context, v any) error {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return err
	}

	s.touchLastMessage()

	if typ != websocket.MessageText {
		return fmt.Errorf("unexpected %v frame", typ)
	}

	return json.Unmarshal(data, v)
}

func (s *Subscriber) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}
