// Package stream owns the single streaming connection to the market-data
// provider: connect, authenticate, subscribe, receive, and reconnect with
// exponential backoff. Subscriptions are replayed on every new connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"livefeed/internal/diag"
	"livefeed/internal/tick"

	"go.uber.org/zap"
)

// Client is one provider stream. Its connection state is owned here; several
// Clients can run side by side (e.g. one per market).
type Client struct {
	cfg      Config
	dialer   Dialer
	recorder diag.Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	conn    Conn
	session uint64
	symbols map[string]struct{}
	closed  bool
}

// NewClient creates a disconnected Client.
func NewClient(cfg Config, dialer Dialer, recorder diag.Recorder, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if recorder == nil {
		recorder = diag.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		dialer:   dialer,
		recorder: recorder,
		logger:   logger.Named("stream"),
		symbols:  make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Symbols returns the subscription set replayed on reconnect.
func (c *Client) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbolList()
}

// Connect establishes the connection, retrying transient failures with
// backoff. Auth rejection fails immediately and permanently.
func (c *Client) Connect(ctx context.Context) (State, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return c.State(), ErrClosed
	case c.state == StateFailed:
		c.mu.Unlock()
		return StateFailed, ErrFailed
	case c.conn != nil:
		st := c.state
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx, false); err != nil {
		return c.State(), err
	}
	return c.State(), nil
}

// Subscribe adds symbols to the subscription set and sends the subscription
// if connected. While disconnected the symbols are kept for the next connect.
func (c *Client) Subscribe(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.state == StateFailed {
		c.mu.Unlock()
		return ErrFailed
	}
	for _, s := range symbols {
		c.symbols[s] = struct{}{}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.subscribe(ctx, conn, symbols)
}

// Receive runs the receive loop, calling emit for every raw message in
// arrival order. Transport errors degrade the connection and trigger a
// reconnect; Receive only returns on ctx cancellation, Close, auth rejection
// or an exhausted retry budget.
func (c *Client) Receive(ctx context.Context, emit func(tick.RawMessage)) error {
	for {
		c.mu.Lock()
		conn, session, closed, state := c.conn, c.session, c.closed, c.state
		c.mu.Unlock()

		switch {
		case closed:
			return ErrClosed
		case state == StateFailed:
			return ErrFailed
		}

		if conn == nil {
			if err := c.dial(ctx, state == StateDegraded); err != nil {
				return err
			}
			continue
		}

		err := c.readSession(ctx, conn, session, emit)

		if ctx.Err() != nil {
			c.shutdown()
			return ctx.Err()
		}
		if c.isClosed() {
			return ErrClosed
		}
		c.degrade(conn, err)
	}
}

// Close tears the connection down and stops Receive. A blocked read is
// interrupted by closing the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.shutdown()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// dial connects with backoff. When reconnecting the first attempt also waits.
func (c *Client) dial(ctx context.Context, reconnect bool) error {
	b := newBackoff(c.cfg.BackoffInitial, c.cfg.BackoffMax)
	retries := 0

	for attempt := 0; ; attempt++ {
		if attempt > 0 || reconnect {
			if c.cfg.MaxRetries > 0 && retries >= c.cfg.MaxRetries {
				err := fmt.Errorf("%w after %d attempts", ErrRetryBudgetExhausted, retries)
				c.setState(StateFailed, diag.OutcomeError, err.Error())
				c.logger.Error("giving up reconnecting", zap.Int("retries", retries))
				return err
			}

			wait := b.Next()
			c.logger.Info("reconnecting after backoff", zap.Duration("wait", wait), zap.Int("retry", retries+1))
			if err := sleep(ctx, wait); err != nil {
				c.setState(StateDisconnected, diag.OutcomeOK, "")
				return err
			}
			retries++
		}

		if c.isClosed() {
			return ErrClosed
		}

		c.setState(StateConnecting, diag.OutcomeOK, "")
		conn, err := c.dialer.Dial(ctx)
		if err == nil {
			c.connected(ctx, conn)
			return nil
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected, diag.OutcomeOK, "")
			return ctx.Err()
		}

		if errors.Is(err, ErrAuthRejected) {
			c.setState(StateFailed, diag.OutcomeError, err.Error())
			c.logger.Error("provider rejected credentials", zap.Error(err))
			return err
		}

		c.setState(StateDegraded, diag.OutcomeError, err.Error())
		c.logger.Warn("connect failed", zap.Error(err), zap.Int("attempt", attempt+1))
	}
}

// connected installs conn as the live connection and replays subscriptions.
func (c *Client) connected(ctx context.Context, conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.session++
	session := c.session
	symbols := c.symbolList()
	c.mu.Unlock()

	c.setState(StateConnected, diag.OutcomeOK, "")
	c.logger.Info("connected", zap.Uint64("session", session))

	if len(symbols) == 0 {
		return
	}
	// A failed replay surfaces as a read error on the same connection.
	if err := c.subscribe(ctx, conn, symbols); err != nil {
		c.logger.Warn("subscription replay failed", zap.Error(err))
	}
}

func (c *Client) subscribe(ctx context.Context, conn Conn, symbols []string) error {
	if err := conn.Subscribe(ctx, symbols); err != nil {
		c.recorder.Record(diag.TraceEvent{
			Stage:   diag.StageSubscribe,
			Outcome: diag.OutcomeError,
			Detail:  err.Error(),
		})
		return fmt.Errorf("subscribe: %w", err)
	}

	c.setState(StateSubscribed, diag.OutcomeOK, strings.Join(symbols, ","))
	c.logger.Info("subscribed", zap.Strings("symbols", symbols))
	return nil
}

// readSession reads conn until it fails. Cancelling ctx closes conn, which
// unblocks the pending Read.
func (c *Client) readSession(ctx context.Context, conn Conn, session uint64, emit func(tick.RawMessage)) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msgs, err := conn.Read()
		if err != nil {
			return err
		}

		receivedAt := time.Now().UTC()
		for _, m := range msgs {
			m.ReceivedAt = receivedAt
			m.Session = session
			c.recorder.Record(diag.TraceEvent{
				Stage:     diag.StageReceive,
				Symbol:    m.Symbol,
				Timestamp: receivedAt,
				Outcome:   diag.OutcomeOK,
			})
			emit(m)
		}
	}
}

func (c *Client) degrade(conn Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	c.setState(StateDegraded, diag.OutcomeError, err.Error())
	c.logger.Warn("connection degraded", zap.Error(err))
}

// shutdown closes the live connection and records the final transition.
func (c *Client) shutdown() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	quiet := c.state == StateFailed || c.state == StateDisconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if !quiet {
		c.setState(StateDisconnected, diag.OutcomeOK, "")
	}
	c.logger.Info("stream stopped")
	return err
}

// setState performs a transition and records it. Subscribed transitions are
// subscribe events, everything else is a connect event.
func (c *Client) setState(s State, outcome diag.Outcome, detail string) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	stage := diag.StageConnect
	if s == StateSubscribed {
		stage = diag.StageSubscribe
	}

	d := s.String()
	if detail != "" {
		d += ": " + detail
	}
	c.recorder.Record(diag.TraceEvent{Stage: stage, Outcome: outcome, Detail: d})

	if prev != s {
		c.logger.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// symbolList returns the subscription set sorted. Caller holds c.mu.
func (c *Client) symbolList() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
