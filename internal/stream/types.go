package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livefeed/internal/tick"
)

// Errors
var (
	ErrAuthRejected         = errors.New("authentication rejected")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrFailed               = errors.New("client in terminal failure")
	ErrClosed               = errors.New("client closed")
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateDegraded
	StateFailed // terminal: auth rejected or retry budget exhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures reconnect behaviour.
type Config struct {
	BackoffInitial time.Duration // first reconnect wait
	BackoffMax     time.Duration // cap for the doubling wait
	MaxRetries     int           // reconnect attempts per outage; 0 = unbounded
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BackoffInitial: 1 * time.Second,
		BackoffMax:     30 * time.Second,
		MaxRetries:     0,
	}
}

// Dialer opens an authenticated connection to the provider. An auth refusal
// must be reported as an error wrapping ErrAuthRejected; every other error is
// treated as transient.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live provider connection. Read blocks until data arrives or
// the connection fails; Close must unblock a pending Read.
type Conn interface {
	Subscribe(ctx context.Context, symbols []string) error
	Read() ([]tick.RawMessage, error)
	Close() error
}
