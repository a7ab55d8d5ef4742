package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"livefeed/internal/stream"
	"livefeed/internal/tick"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrStream is wrapped by errors the provider reports inside a stream frame.
var ErrStream = errors.New("provider stream error")

// WSDialer opens authenticated stream connections. It implements stream.Dialer.
type WSDialer struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWSDialer creates a dialer for the given endpoint and credentials.
func NewWSDialer(cfg WSConfig, logger *zap.Logger) *WSDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &WSDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		logger: logger.Named("provider.ws"),
	}
}

// Dial connects, waits for the server greeting and authenticates. A credential
// refusal is returned wrapping stream.ErrAuthRejected.
func (d *WSDialer) Dial(ctx context.Context) (stream.Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.URL, err)
	}

	if err := d.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	d.logger.Info("WebSocket authenticated", zap.String("url", d.cfg.URL))

	c := &wsConn{
		conn:     conn,
		cfg:      d.cfg,
		logger:   d.logger,
		done:     make(chan struct{}),
		channels: d.cfg.Channels,
	}
	c.startKeepalive()
	return c, nil
}

// handshake reads the greeting, sends credentials and checks the reply.
func (d *WSDialer) handshake(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	if err := expectSuccess(conn, msgConnected); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}

	if err := conn.WriteJSON(authRequest{Action: "auth", Key: d.cfg.Key, Secret: d.cfg.Secret}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if err := expectSuccess(conn, msgAuthenticated); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

// expectSuccess reads one frame and requires a success element carrying msg.
func expectSuccess(conn *websocket.Conn, msg string) error {
	var elems []streamElement
	if err := conn.ReadJSON(&elems); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	for _, el := range elems {
		switch el.Type {
		case TypeSuccess:
			if el.Msg == msg {
				return nil
			}
		case TypeError:
			return elementError(el)
		}
	}
	return fmt.Errorf("%w: expected %q, got %+v", ErrStream, msg, elems)
}

func elementError(el streamElement) error {
	if el.Code == CodeNotAuthenticated || el.Code == CodeAuthFailed {
		return fmt.Errorf("%s (code %d): %w", el.Msg, el.Code, stream.ErrAuthRejected)
	}
	return fmt.Errorf("%w: %s (code %d)", ErrStream, el.Msg, el.Code)
}

// wsConn is one authenticated connection. Reads happen on a single goroutine;
// writes are serialized by writeMu, control frames go through WriteControl.
type wsConn struct {
	conn     *websocket.Conn
	cfg      WSConfig
	logger   *zap.Logger
	channels []string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) startKeepalive() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	go func() {
		ticker := time.NewTicker(c.cfg.pingPeriod())
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(c.cfg.WriteWait)
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.logger.Warn("ping failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

// Subscribe requests the configured channels for symbols.
func (c *wsConn) Subscribe(ctx context.Context, symbols []string) error {
	req := subscribeRequest{Action: "subscribe"}
	if slices.Contains(c.channels, ChannelTrades) {
		req.Trades = symbols
	}
	if slices.Contains(c.channels, ChannelQuotes) {
		req.Quotes = symbols
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("websocket subscribe failed: %w", err)
	}
	return nil
}

// Read blocks until a frame with at least one trade or quote arrives.
// Control elements are consumed silently; an error element fails the read.
func (c *wsConn) Read() ([]tick.RawMessage, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		msgs, err := c.split(data)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}

func (c *wsConn) split(data []byte) ([]tick.RawMessage, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		// Not an array: pass it on whole and let the normalizer reject it.
		return []tick.RawMessage{{Data: data}}, nil
	}

	out := make([]tick.RawMessage, 0, len(raws))
	for _, raw := range raws {
		var el streamElement
		if err := json.Unmarshal(raw, &el); err != nil {
			out = append(out, tick.RawMessage{Data: raw})
			continue
		}

		switch el.Type {
		case TypeTrade, TypeQuote:
			out = append(out, tick.RawMessage{Symbol: el.Symbol, Data: raw})
		case TypeError:
			return nil, elementError(el)
		case TypeSuccess, TypeSubscription:
			c.logger.Debug("control element", zap.ByteString("element", raw))
		default:
			c.logger.Debug("ignoring element", zap.String("type", el.Type))
		}
	}
	return out, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}
