// Package bus is the in-process publish/subscribe layer between the tick
// normalizer and tick consumers.
//
// Each subscriber owns a bounded ring buffer and a delivery goroutine, so a
// slow consumer only loses its own oldest ticks and never stalls Publish.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"livefeed/internal/diag"
	"livefeed/internal/tick"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Errors
var (
	ErrClosed              = errors.New("bus closed")
	ErrNilHandler          = errors.New("nil handler")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// Handler consumes one tick. A returned error or panic is recorded and the
// subscriber stays subscribed.
type Handler func(t tick.Tick) error

// Config configures the bus.
type Config struct {
	BufferSize int // per-subscriber ring capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 1024}
}

// Subscription identifies a registered subscriber.
type Subscription struct {
	ID      uuid.UUID
	Symbols []string // empty means every symbol
}

type subscriber struct {
	id      uuid.UUID
	symbols map[string]struct{}
	handler Handler
	buf     *ring[tick.Tick]
	done    chan struct{}
}

func (s *subscriber) wants(symbol string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

// Bus fans published ticks out to subscribers.
type Bus struct {
	cfg      Config
	recorder diag.Recorder
	logger   *zap.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]*subscriber
	closed bool

	wg sync.WaitGroup
}

// New creates a Bus.
func New(cfg Config, recorder diag.Recorder, logger *zap.Logger) *Bus {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if recorder == nil {
		recorder = diag.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.Named("bus"),
		subs:     make(map[uuid.UUID]*subscriber),
	}
}

// Subscribe registers h for the given symbols (all symbols when empty) and
// starts its delivery goroutine.
func (b *Bus) Subscribe(symbols []string, h Handler) (Subscription, error) {
	sub, err := b.subscribe(symbols, h)
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{ID: sub.id, Symbols: append([]string(nil), symbols...)}, nil
}

func (b *Bus) subscribe(symbols []string, h Handler) (*subscriber, error) {
	if h == nil {
		return nil, ErrNilHandler
	}

	s := &subscriber{
		id:      uuid.New(),
		symbols: make(map[string]struct{}, len(symbols)),
		handler: h,
		buf:     newRing[tick.Tick](b.cfg.BufferSize),
		done:    make(chan struct{}),
	}
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(s)

	b.logger.Info("subscriber added",
		zap.String("id", s.id.String()),
		zap.Strings("symbols", symbols),
		zap.Int("buffer", b.cfg.BufferSize),
	)
	return s, nil
}

// Ticks is the channel form of Subscribe. The channel is closed after ctx is
// cancelled or the bus is closed.
func (b *Bus) Ticks(ctx context.Context, symbols []string) (<-chan tick.Tick, Subscription, error) {
	ch := make(chan tick.Tick)

	s, err := b.subscribe(symbols, func(t tick.Tick) error {
		select {
		case ch <- t:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, Subscription{}, err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unsubscribe(s.id)
		case <-s.done:
		}
		<-s.done
		close(ch)
	}()

	return ch, Subscription{ID: s.id, Symbols: append([]string(nil), symbols...)}, nil
}

// Unsubscribe removes a subscriber and discards its buffered ticks.
func (b *Bus) Unsubscribe(id uuid.UUID) error {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}

	s.buf.Close(true)
	b.recorder.Record(diag.TraceEvent{
		Stage:   diag.StageDeliver,
		Outcome: diag.OutcomeOK,
		Detail:  "unsubscribed " + id.String(),
	})
	b.logger.Info("subscriber removed", zap.String("id", id.String()))
	return nil
}

// Publish hands t to every interested subscriber. It never blocks on a
// subscriber: a full buffer drops its oldest tick.
func (b *Bus) Publish(t tick.Tick) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.recorder.Record(diag.TraceEvent{
			Stage:   diag.StageReject,
			Symbol:  t.Symbol,
			Outcome: diag.OutcomeRejected,
			Detail:  ErrClosed.Error(),
		})
		return
	}

	for _, s := range b.subs {
		if !s.wants(t.Symbol) {
			continue
		}

		evicted, dropped, _ := s.buf.Push(t)
		if !dropped {
			continue
		}

		b.recorder.Record(diag.TraceEvent{
			Stage:   diag.StageDeliver,
			Symbol:  evicted.Symbol,
			Outcome: diag.OutcomeRejected,
			Detail:  diag.DetailBackpressureDrop,
		})
		b.logger.Debug("subscriber buffer full, dropped oldest tick",
			zap.String("id", s.id.String()),
			zap.String("symbol", evicted.Symbol),
			zap.Uint64("seq", evicted.Seq),
		)
	}
}

// Stats returns buffer statistics per subscriber.
func (b *Bus) Stats() map[uuid.UUID]BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[uuid.UUID]BufferStats, len(b.subs))
	for id, s := range b.subs {
		out[id] = s.buf.Stats()
	}
	return out
}

// Close stops accepting publishes, lets every subscriber drain what it has
// buffered and waits for the delivery goroutines or ctx.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uuid.UUID]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.buf.Close(false)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		b.logger.Warn("bus drain timeout", zap.Error(err))
	}

	for id := range subs {
		b.recorder.Record(diag.TraceEvent{
			Stage:   diag.StageDeliver,
			Outcome: diag.OutcomeOK,
			Detail:  "closed " + id.String(),
		})
	}
	b.logger.Info("bus closed", zap.Int("subscribers", len(subs)))
	return err
}

func (b *Bus) deliver(s *subscriber) {
	defer b.wg.Done()
	defer close(s.done)

	for {
		t, ok := s.buf.Pop()
		if !ok {
			return
		}
		b.invoke(s, t)
	}
}

// invoke runs the handler for one tick, containing errors and panics.
func (b *Bus) invoke(s *subscriber, t tick.Tick) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailed(s, t, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := s.handler(t); err != nil {
		b.handlerFailed(s, t, err)
	}
}

func (b *Bus) handlerFailed(s *subscriber, t tick.Tick, err error) {
	b.recorder.Record(diag.TraceEvent{
		Stage:   diag.StageDeliver,
		Symbol:  t.Symbol,
		Outcome: diag.OutcomeError,
		Detail:  err.Error(),
	})
	b.logger.Warn("subscriber failed to handle tick",
		zap.String("id", s.id.String()),
		zap.String("symbol", t.Symbol),
		zap.Uint64("seq", t.Seq),
		zap.Error(err),
	)
}
