package universe

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SymbolSource lists the provider's tradable symbols.
type SymbolSource interface {
	GetSymbols(ctx context.Context) ([]string, error)
}

type Loader struct {
	Static  []string     // always part of the universe, sent first
	Source  SymbolSource // optional
	Timeout time.Duration
	Logger  *zap.Logger
}

// LoadSymbols streams the static symbols and then the provider's symbols into
// ch, closing it when done. A Source failure is returned after the static
// symbols were sent.
func (l *Loader) LoadSymbols(ctx context.Context, ch chan<- string) error {
	defer close(ch) // Ensure downstream consumers can exit cleanly

	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, symbol := range l.Static {
		select {
		case ch <- symbol:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if l.Source == nil {
		return nil
	}

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	symbols, err := l.Source.GetSymbols(ctx)
	if err != nil {
		logger.Error("failed to load provider symbols", zap.Error(err))
		return err
	}
	logger.Info("loaded symbols", zap.Int("count", len(symbols)))

	for _, symbol := range symbols {
		select {
		case ch <- symbol:
		case <-ctx.Done():
			logger.Warn("symbol streaming interrupted", zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}

	return nil
}

// DefaultLoadFn runs loader in the background for every call. Failures are
// logged; whatever arrived before the failure is still delivered.
func DefaultLoadFn(loader *Loader) func(ctx context.Context) <-chan string {
	return func(ctx context.Context) <-chan string {
		symbolCh := make(chan string, 100)

		go func() {
			if err := loader.LoadSymbols(ctx, symbolCh); err != nil && loader.Logger != nil {
				loader.Logger.Warn("symbol load incomplete", zap.Error(err))
			}
		}()

		return symbolCh
	}
}
