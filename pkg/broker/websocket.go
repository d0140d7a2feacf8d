package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/sirupsen/logrus"
)

// StreamConfig configures a streaming websocket session.
type StreamConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	StaleTimeout     time.Duration
	Mode             string // ltp, quote or full
}

// WebSocketClient implements Transport over gorilla/websocket. Reads happen on
// a goroutine it owns, and every event is delivered through Handlers.
type WebSocketClient struct {
	cfg     StreamConfig
	account models.Account
	auth    Authenticator
	logger  *logrus.Entry

	conn     *websocket.Conn
	writeMu  sync.Mutex
	mu       sync.Mutex
	handlers Handlers
	lastSeen time.Time
	closed   bool
	done     chan struct{}
}

type streamCommand struct {
	Action string      `json:"a"`
	Value  interface{} `json:"v"`
}

type streamText struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewTransportFactory returns a TransportFactory producing websocket clients.
func NewTransportFactory(cfg StreamConfig, logger *logrus.Logger) TransportFactory {
	return func(account models.Account) Transport {
		return NewWebSocketClient(cfg, account, logger)
	}
}

func NewWebSocketClient(cfg StreamConfig, account models.Account, logger *logrus.Logger) *WebSocketClient {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = 3 * cfg.PingInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = "full"
	}
	return &WebSocketClient{
		cfg:     cfg,
		account: account,
		logger:  logger.WithFields(logrus.Fields{"component": "websocket", "account": account.Name}),
	}
}

func (ws *WebSocketClient) SetHandlers(h Handlers) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.handlers = h
}

func (ws *WebSocketClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return ErrAlreadyClosed
	}
	if ws.conn != nil {
		ws.mu.Unlock()
		return nil
	}
	ws.mu.Unlock()

	u, err := url.Parse(ws.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", ws.account.APIKey)
	if ws.account.AccessToken != "" {
		q.Set("access_token", ws.account.AccessToken)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if ws.auth == nil {
		if ws.auth, err = NewAuthenticator(ws.account); err != nil {
			return err
		}
	}
	if err := ws.auth.AddAuthHeaders(header, http.MethodGet, u.Host, u.Path, ""); err != nil {
		return fmt.Errorf("websocket auth: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: ws.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	ws.conn = conn
	ws.lastSeen = time.Now()
	ws.done = make(chan struct{})
	handlers := ws.handlers
	done := ws.done
	ws.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		ws.touch()
		return nil
	})

	go ws.readLoop(conn, done)
	go ws.keepAlive(conn, done)

	if handlers.OnConnect != nil {
		handlers.OnConnect()
	}
	return nil
}

func (ws *WebSocketClient) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	conn := ws.conn
	done := ws.done
	ws.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn == nil {
		return nil
	}
	ws.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	ws.writeMu.Unlock()
	return conn.Close()
}

func (ws *WebSocketClient) Subscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := ws.send(streamCommand{Action: "subscribe", Value: tokens}); err != nil {
		return err
	}
	return ws.send(streamCommand{Action: "mode", Value: []interface{}{ws.cfg.Mode, tokens}})
}

func (ws *WebSocketClient) Unsubscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	return ws.send(streamCommand{Action: "unsubscribe", Value: tokens})
}

func (ws *WebSocketClient) send(cmd streamCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	closed := ws.closed
	ws.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(ws.cfg.WriteTimeout))
	return conn.WriteJSON(cmd)
}

func (ws *WebSocketClient) touch() {
	ws.mu.Lock()
	ws.lastSeen = time.Now()
	ws.mu.Unlock()
}

func (ws *WebSocketClient) currentHandlers() Handlers {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.handlers
}

func (ws *WebSocketClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			ws.logger.WithError(err).Warn("Failed to read websocket message")
			ws.disconnect(conn, err)
			return
		}
		ws.touch()

		h := ws.currentHandlers()
		switch msgType {
		case websocket.BinaryMessage:
			// Single-byte frames are heartbeats.
			if len(data) <= 1 {
				continue
			}
			if h.OnTick != nil {
				h.OnTick(data)
			}
		case websocket.TextMessage:
			ws.handleText(h, data)
		}
	}
}

func (ws *WebSocketClient) handleText(h Handlers, data []byte) {
	var msg streamText
	if err := json.Unmarshal(data, &msg); err != nil {
		if h.OnError != nil {
			h.OnError(fmt.Errorf("invalid text frame: %w", err))
		}
		return
	}
	switch msg.Type {
	case "error":
		var text string
		json.Unmarshal(msg.Data, &text)
		if h.OnError != nil {
			h.OnError(fmt.Errorf("broker stream error: %s", text))
		}
	case "tick", "ticks":
		if h.OnTick != nil {
			h.OnTick(data)
		}
	default:
		ws.logger.WithField("type", msg.Type).Debug("Ignoring stream message")
	}
}

func (ws *WebSocketClient) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(ws.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.cfg.WriteTimeout))
			ws.writeMu.Unlock()
			if err != nil {
				ws.logger.WithError(err).Warn("Failed to send ping")
				ws.disconnect(conn, err)
				return
			}

			ws.mu.Lock()
			last := ws.lastSeen
			ws.mu.Unlock()
			if time.Since(last) > ws.cfg.StaleTimeout {
				ws.logger.WithField("last_seen", last).Warn("No traffic from broker, connection stale")
				ws.disconnect(conn, ErrStale)
				return
			}
		}
	}
}

// disconnect tears down conn once and reports the close. A transport that was
// closed deliberately reports nothing.
func (ws *WebSocketClient) disconnect(conn *websocket.Conn, cause error) {
	ws.mu.Lock()
	if ws.conn != conn {
		ws.mu.Unlock()
		return
	}
	ws.conn = nil
	closed := ws.closed
	done := ws.done
	ws.done = nil
	h := ws.handlers
	ws.mu.Unlock()

	if done != nil && !closed {
		close(done)
	}
	conn.Close()

	if !closed && h.OnClose != nil {
		h.OnClose(cause)
	}
}
